package mm

import (
	"errors"
	"fmt"
	"sync"
)

// Physical memory errors.
var (
	ErrOutOfMemory  = errors.New("out of physical frames")
	ErrInvalidToken = errors.New("invalid address space token")
)

// PhysMemory is the simulated RAM of the machine. Frames are handed out by a
// stack allocator that prefers recycled frames over fresh ones.
type PhysMemory struct {
	// mu protects the allocator and the page-table registry.
	mu sync.Mutex
	// frames holds the contents of every frame, indexed from FrameBase.
	frames [][]byte
	// allocated marks the frames currently handed out.
	allocated []bool
	// current is the next never-used frame.
	current PhysPageNum
	// end is one past the last frame.
	end PhysPageNum
	// recycled holds freed frames for reuse.
	recycled []PhysPageNum
	// tables maps root frames to their page tables.
	tables map[PhysPageNum]*PageTable
	// trampoline is the frame shared by every address space.
	trampoline PhysPageNum
}

// NewPhysMemory creates a memory of n frames. One frame is reserved for the
// trampoline.
func NewPhysMemory(n int) (*PhysMemory, error) {
	if n < 2 {
		return nil, fmt.Errorf("physical memory needs at least 2 frames, got %d", n)
	}
	pm := &PhysMemory{
		frames:    make([][]byte, n),
		allocated: make([]bool, n),
		current:   FrameBase,
		end:       FrameBase + PhysPageNum(n),
		tables:    make(map[PhysPageNum]*PageTable),
	}
	ppn, err := pm.AllocFrame()
	if err != nil {
		return nil, err
	}
	pm.trampoline = ppn
	return pm, nil
}

// AllocFrame allocates a zeroed frame.
func (pm *PhysMemory) AllocFrame() (PhysPageNum, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var ppn PhysPageNum
	if n := len(pm.recycled); n > 0 {
		ppn = pm.recycled[n-1]
		pm.recycled = pm.recycled[:n-1]
	} else if pm.current < pm.end {
		ppn = pm.current
		pm.current++
	} else {
		return 0, ErrOutOfMemory
	}

	idx := ppn - FrameBase
	if pm.frames[idx] == nil {
		pm.frames[idx] = make([]byte, PageSize)
	} else {
		clear(pm.frames[idx])
	}
	pm.allocated[idx] = true
	return ppn, nil
}

// FreeFrame returns a frame to the allocator. Freeing a frame that is not
// allocated is a kernel bug and panics.
func (pm *PhysMemory) FreeFrame(ppn PhysPageNum) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.valid(ppn) || !pm.allocated[ppn-FrameBase] {
		panic(fmt.Sprintf("mm: frame ppn=%#x has not been allocated", uint64(ppn)))
	}
	if ppn == pm.trampoline {
		panic("mm: trampoline frame cannot be freed")
	}
	pm.allocated[ppn-FrameBase] = false
	pm.recycled = append(pm.recycled, ppn)
}

// Frame returns the contents of an allocated frame.
func (pm *PhysMemory) Frame(ppn PhysPageNum) []byte {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.valid(ppn) || !pm.allocated[ppn-FrameBase] {
		panic(fmt.Sprintf("mm: access to unallocated frame ppn=%#x", uint64(ppn)))
	}
	return pm.frames[ppn-FrameBase]
}

// FreeFrames returns the number of frames that can still be allocated.
func (pm *PhysMemory) FreeFrames() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return int(pm.end-pm.current) + len(pm.recycled)
}

// Trampoline returns the shared trampoline frame.
func (pm *PhysMemory) Trampoline() PhysPageNum {
	return pm.trampoline
}

// FromToken returns the page table identified by token.
func (pm *PhysMemory) FromToken(token uint64) (*PageTable, error) {
	if token>>60 != satpModeSv39 {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidToken, token)
	}
	root := PhysPageNum(token & (1<<44 - 1))

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pt, ok := pm.tables[root]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidToken, token)
	}
	return pt, nil
}

func (pm *PhysMemory) valid(ppn PhysPageNum) bool {
	return ppn >= FrameBase && ppn < pm.end
}

func (pm *PhysMemory) register(pt *PageTable) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.tables[pt.root] = pt
}

func (pm *PhysMemory) unregister(pt *PageTable) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.tables, pt.root)
}
