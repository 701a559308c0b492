package mm

import (
	"errors"
	"fmt"
	"sort"
)

// Mapping errors.
var (
	ErrMisaligned   = errors.New("address is not page aligned")
	ErrInvalidPort  = errors.New("invalid mapping permission")
	ErrOverlap      = errors.New("range overlaps an existing mapping")
	ErrNotMapped    = errors.New("range is not fully mapped")
	ErrAreaNotFound = errors.New("no area starts at the given page")
)

// MapPermission is the subset of PTE flags an area can carry.
type MapPermission = PTEFlags

// Area permissions.
const (
	PermR MapPermission = PTERead
	PermW MapPermission = PTEWrite
	PermX MapPermission = PTEExec
	PermU MapPermission = PTEUser
)

// MapArea is a contiguous range of framed pages [Start, End).
type MapArea struct {
	// Start is the first page of the area.
	Start VirtPageNum
	// End is one past the last page of the area.
	End VirtPageNum
	// Perm are the permissions of every page.
	Perm MapPermission
	// frames holds the frame backing each mapped page.
	frames map[VirtPageNum]PhysPageNum
	// user marks areas created by Mmap; only those can be unmapped.
	user bool
}

func newMapArea(start, end VirtAddr, perm MapPermission) *MapArea {
	return &MapArea{
		Start:  start.Floor(),
		End:    end.Ceil(),
		Perm:   perm,
		frames: make(map[VirtPageNum]PhysPageNum),
	}
}

// Pages returns the number of pages in the area.
func (a *MapArea) Pages() int {
	return int(a.End - a.Start)
}

func (a *MapArea) overlaps(start, end VirtPageNum) bool {
	return start < a.End && a.Start < end
}

func (a *MapArea) mapOne(ms *MemorySet, vpn VirtPageNum) error {
	ppn, err := ms.pm.AllocFrame()
	if err != nil {
		return err
	}
	a.frames[vpn] = ppn
	ms.pageTable.Map(vpn, ppn, a.Perm)
	return nil
}

func (a *MapArea) unmapOne(ms *MemorySet, vpn VirtPageNum) {
	ppn, ok := a.frames[vpn]
	if !ok {
		return
	}
	ms.pageTable.Unmap(vpn)
	delete(a.frames, vpn)
	ms.pm.FreeFrame(ppn)
}

func (a *MapArea) mapRange(ms *MemorySet, start, end VirtPageNum) error {
	for vpn := start; vpn < end; vpn++ {
		if err := a.mapOne(ms, vpn); err != nil {
			for undo := start; undo < vpn; undo++ {
				a.unmapOne(ms, undo)
			}
			return err
		}
	}
	return nil
}

func (a *MapArea) unmapRange(ms *MemorySet, start, end VirtPageNum) {
	for vpn := start; vpn < end; vpn++ {
		a.unmapOne(ms, vpn)
	}
}

// copyData writes data into the area starting at offset bytes into its
// first page.
func (a *MapArea) copyData(ms *MemorySet, offset uint64, data []byte) {
	vpn := a.Start
	for len(data) > 0 {
		frame := ms.pm.Frame(a.frames[vpn])
		n := copy(frame[offset:], data)
		data = data[n:]
		offset = 0
		vpn++
	}
}

// MemorySet is an address space: a page table plus the areas whose frames it
// owns.
type MemorySet struct {
	pm        *PhysMemory
	pageTable *PageTable
	areas     []*MapArea
}

// NewBare creates an empty address space.
func NewBare(pm *PhysMemory) (*MemorySet, error) {
	pt, err := NewPageTable(pm)
	if err != nil {
		return nil, err
	}
	return &MemorySet{pm: pm, pageTable: pt}, nil
}

// NewKernel creates the kernel address space. Kernel stacks are inserted
// into it as framed areas.
func NewKernel(pm *PhysMemory) (*MemorySet, error) {
	ms, err := NewBare(pm)
	if err != nil {
		return nil, err
	}
	ms.mapTrampoline()
	return ms, nil
}

func (ms *MemorySet) mapTrampoline() {
	ms.pageTable.Map(VirtAddr(Trampoline).Floor(), ms.pm.Trampoline(), PTERead|PTEExec)
}

// Token returns the token of the address space.
func (ms *MemorySet) Token() uint64 {
	return ms.pageTable.Token()
}

// Translate looks up a page of the address space.
func (ms *MemorySet) Translate(vpn VirtPageNum) (PageTableEntry, bool) {
	return ms.pageTable.Translate(vpn)
}

// Areas returns the number of areas.
func (ms *MemorySet) Areas() int {
	return len(ms.areas)
}

// MappedPages returns the number of mapped pages, trampoline included.
func (ms *MemorySet) MappedPages() int {
	return ms.pageTable.Len()
}

func (ms *MemorySet) overlaps(start, end VirtPageNum, skip *MapArea) bool {
	if start >= end {
		return false
	}
	if tramp := VirtAddr(Trampoline).Floor(); start <= tramp && tramp < end {
		return true
	}
	for _, a := range ms.areas {
		if a != skip && a.overlaps(start, end) {
			return true
		}
	}
	return false
}

func (ms *MemorySet) push(area *MapArea, data []byte) error {
	if ms.overlaps(area.Start, area.End, nil) {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, uint64(area.Start.Addr()), uint64(area.End.Addr()))
	}
	if err := area.mapRange(ms, area.Start, area.End); err != nil {
		return err
	}
	ms.areas = append(ms.areas, area)
	return nil
}

// InsertFramedArea maps [start, end) with freshly allocated frames.
func (ms *MemorySet) InsertFramedArea(start, end VirtAddr, perm MapPermission) error {
	return ms.push(newMapArea(start, end, perm), nil)
}

// RemoveAreaWithStart unmaps the area beginning at start and frees its frames.
func (ms *MemorySet) RemoveAreaWithStart(start VirtPageNum) error {
	for i, a := range ms.areas {
		if a.Start == start {
			a.unmapRange(ms, a.Start, a.End)
			ms.areas = append(ms.areas[:i], ms.areas[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %#x", ErrAreaNotFound, uint64(start))
}

func (ms *MemorySet) areaWithStart(start VirtPageNum) *MapArea {
	for _, a := range ms.areas {
		if a.Start == start {
			return a
		}
	}
	return nil
}

// AppendTo grows the area beginning at start so that it ends at newEnd.
func (ms *MemorySet) AppendTo(start, newEnd VirtAddr) bool {
	a := ms.areaWithStart(start.Floor())
	if a == nil {
		return false
	}
	end := newEnd.Ceil()
	if end < a.End {
		return false
	}
	if ms.overlaps(a.End, end, a) {
		return false
	}
	if err := a.mapRange(ms, a.End, end); err != nil {
		return false
	}
	a.End = end
	return true
}

// ShrinkTo shrinks the area beginning at start so that it ends at newEnd.
func (ms *MemorySet) ShrinkTo(start, newEnd VirtAddr) bool {
	a := ms.areaWithStart(start.Floor())
	if a == nil {
		return false
	}
	end := newEnd.Ceil()
	if end < a.Start || end > a.End {
		return false
	}
	a.unmapRange(ms, end, a.End)
	a.End = end
	return true
}

// Mmap maps len bytes at start with the permissions in the low three bits of
// port (read, write, execute).
func (ms *MemorySet) Mmap(start VirtAddr, length uint64, port uint64) error {
	if !start.Aligned() {
		return ErrMisaligned
	}
	if port&^0x7 != 0 || port&0x7 == 0 {
		return ErrInvalidPort
	}
	if length == 0 {
		return nil
	}
	end := VirtAddr(uint64(start) + length)
	if end < start {
		return ErrOverlap
	}
	for vpn := start.Floor(); vpn < end.Ceil(); vpn++ {
		if _, ok := ms.pageTable.Translate(vpn); ok {
			return fmt.Errorf("%w: page %#x", ErrOverlap, uint64(vpn.Addr()))
		}
	}
	area := newMapArea(start, end, MapPermission(port<<1)|PermU)
	area.user = true
	return ms.push(area, nil)
}

// Munmap unmaps len bytes at start. Every page of the range must belong to an
// area created by Mmap; areas only partly covered are split. Image, stack,
// heap and trap context areas are never unmapped here.
func (ms *MemorySet) Munmap(start VirtAddr, length uint64) error {
	if !start.Aligned() {
		return ErrMisaligned
	}
	if length == 0 {
		return nil
	}
	end := VirtAddr(uint64(start) + length)
	if end < start {
		return ErrNotMapped
	}
	first, last := start.Floor(), end.Ceil()
	for vpn := first; vpn < last; vpn++ {
		if a := ms.areaContaining(vpn); a == nil || !a.user {
			return fmt.Errorf("%w: page %#x", ErrNotMapped, uint64(vpn.Addr()))
		}
	}

	var kept []*MapArea
	for _, a := range ms.areas {
		if !a.overlaps(first, last) {
			kept = append(kept, a)
			continue
		}
		lo, hi := max(a.Start, first), min(a.End, last)
		a.unmapRange(ms, lo, hi)
		if a.Start < lo {
			kept = append(kept, a.split(a.Start, lo))
		}
		if hi < a.End {
			kept = append(kept, a.split(hi, a.End))
		}
	}
	ms.areas = kept
	return nil
}

// split returns a new area over [start, end) sharing the frames of a.
func (a *MapArea) split(start, end VirtPageNum) *MapArea {
	part := &MapArea{Start: start, End: end, Perm: a.Perm, frames: make(map[VirtPageNum]PhysPageNum), user: a.user}
	for vpn := start; vpn < end; vpn++ {
		if ppn, ok := a.frames[vpn]; ok {
			part.frames[vpn] = ppn
		}
	}
	return part
}

func (ms *MemorySet) areaContaining(vpn VirtPageNum) *MapArea {
	for _, a := range ms.areas {
		if a.Start <= vpn && vpn < a.End {
			return a
		}
	}
	return nil
}

// FromExisting creates an eager copy of a user address space: same areas,
// fresh frames, identical contents.
func FromExisting(pm *PhysMemory, parent *MemorySet) (*MemorySet, error) {
	ms, err := NewBare(pm)
	if err != nil {
		return nil, err
	}
	ms.mapTrampoline()

	for _, a := range parent.areas {
		area := &MapArea{Start: a.Start, End: a.End, Perm: a.Perm, frames: make(map[VirtPageNum]PhysPageNum), user: a.user}
		if err := ms.push(area, nil); err != nil {
			ms.Destroy()
			return nil, err
		}
		for vpn := a.Start; vpn < a.End; vpn++ {
			src, ok := a.frames[vpn]
			if !ok {
				continue
			}
			copy(pm.Frame(area.frames[vpn]), pm.Frame(src))
		}
	}
	return ms, nil
}

// RecycleDataPages frees every area. The page table survives so that the
// token stays valid until Destroy.
func (ms *MemorySet) RecycleDataPages() {
	for _, a := range ms.areas {
		a.unmapRange(ms, a.Start, a.End)
	}
	ms.areas = nil
}

// Destroy frees every frame the address space owns, page table included.
func (ms *MemorySet) Destroy() {
	if ms.pageTable == nil {
		return
	}
	ms.RecycleDataPages()
	if _, ok := ms.pageTable.Translate(VirtAddr(Trampoline).Floor()); ok {
		ms.pageTable.Unmap(VirtAddr(Trampoline).Floor())
	}
	ms.pageTable.destroy()
	ms.pageTable = nil
}

// Regions returns the areas ordered by start page, for inspection.
func (ms *MemorySet) Regions() []MapArea {
	out := make([]MapArea, 0, len(ms.areas))
	for _, a := range ms.areas {
		out = append(out, MapArea{Start: a.Start, End: a.End, Perm: a.Perm})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
