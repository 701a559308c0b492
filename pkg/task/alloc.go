package task

import (
	"fmt"
	"sync"

	"strideos/pkg/mm"
)

// recycleAllocator hands out increasing ids and reuses released ones.
type recycleAllocator struct {
	// mu protects the allocator.
	mu       sync.Mutex
	current  int
	recycled []int
	inUse    map[int]bool
}

func newRecycleAllocator() *recycleAllocator {
	return &recycleAllocator{inUse: make(map[int]bool)}
}

func (a *recycleAllocator) alloc() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id int
	if n := len(a.recycled); n > 0 {
		id = a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
	} else {
		id = a.current
		a.current++
	}
	a.inUse[id] = true
	return id
}

func (a *recycleAllocator) dealloc(id int, kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inUse[id] {
		panic(fmt.Sprintf("task: %s %d has not been allocated", kind, id))
	}
	delete(a.inUse, id)
	a.recycled = append(a.recycled, id)
}

func (a *recycleAllocator) live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// PIDAllocator allocates process identifiers.
type PIDAllocator struct {
	ids *recycleAllocator
}

// NewPIDAllocator creates an allocator whose first PID is 0.
func NewPIDAllocator() *PIDAllocator {
	return &PIDAllocator{ids: newRecycleAllocator()}
}

// Alloc returns an unused PID.
func (a *PIDAllocator) Alloc() int {
	return a.ids.alloc()
}

// Dealloc returns pid to the allocator. Releasing a free PID panics.
func (a *PIDAllocator) Dealloc(pid int) {
	a.ids.dealloc(pid, "pid")
}

// Live returns the number of PIDs in use.
func (a *PIDAllocator) Live() int {
	return a.ids.live()
}

// KernelStack is the kernel stack of one task.
type KernelStack struct {
	// ID selects the stack slot.
	ID int
	// Bottom is the lowest address of the stack.
	Bottom uint64
	// Top is one past the highest address of the stack.
	Top uint64
}

// KernelStackPosition returns the bounds of stack slot id. Slots sit below
// the trampoline, each followed by an unmapped guard page.
func KernelStackPosition(id int, size uint64) (bottom, top uint64) {
	top = mm.Trampoline - uint64(id)*(size+mm.PageSize)
	return top - size, top
}

// KernelStackAllocator maps kernel stacks into the kernel address space.
type KernelStackAllocator struct {
	ids   *recycleAllocator
	space *mm.MemorySet
	size  uint64
}

// NewKernelStackAllocator creates an allocator mapping stacks of size bytes
// into space.
func NewKernelStackAllocator(space *mm.MemorySet, size uint64) *KernelStackAllocator {
	return &KernelStackAllocator{ids: newRecycleAllocator(), space: space, size: size}
}

// Alloc maps a fresh kernel stack.
func (a *KernelStackAllocator) Alloc() (KernelStack, error) {
	id := a.ids.alloc()
	bottom, top := KernelStackPosition(id, a.size)
	if err := a.space.InsertFramedArea(mm.VirtAddr(bottom), mm.VirtAddr(top), mm.PermR|mm.PermW); err != nil {
		a.ids.dealloc(id, "kernel stack")
		return KernelStack{}, fmt.Errorf("map kernel stack %d: %w", id, err)
	}
	return KernelStack{ID: id, Bottom: bottom, Top: top}, nil
}

// Dealloc unmaps ks and frees its frames.
func (a *KernelStackAllocator) Dealloc(ks KernelStack) {
	if err := a.space.RemoveAreaWithStart(mm.VirtAddr(ks.Bottom).Floor()); err != nil {
		panic(fmt.Sprintf("task: kernel stack %d: %v", ks.ID, err))
	}
	a.ids.dealloc(ks.ID, "kernel stack")
}

// KernelToken returns the token of the kernel address space.
func (a *KernelStackAllocator) KernelToken() uint64 {
	return a.space.Token()
}

// Live returns the number of mapped kernel stacks.
func (a *KernelStackAllocator) Live() int {
	return a.ids.live()
}
