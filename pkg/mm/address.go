package mm

import "math"

const (
	// PageSizeBits is log2 of the page size.
	PageSizeBits = 12
	// PageSize is the size of a page and of a physical frame in bytes.
	PageSize = 1 << PageSizeBits
	// Trampoline is the virtual address of the highest page of every address space.
	Trampoline uint64 = math.MaxUint64 - PageSize + 1
	// TrapContextBase is the page holding the trap context of a user task.
	TrapContextBase uint64 = Trampoline - PageSize
	// UserBase is where flat images are loaded.
	UserBase uint64 = 0x10000
	// FrameBase is the first physical page number handed out by the frame allocator.
	FrameBase PhysPageNum = 0x80400
)

// VirtAddr is a virtual address.
type VirtAddr uint64

// PhysAddr is a physical address.
type PhysAddr uint64

// VirtPageNum is a virtual page number.
type VirtPageNum uint64

// PhysPageNum is a physical page number.
type PhysPageNum uint64

// Floor returns the page containing va.
func (va VirtAddr) Floor() VirtPageNum {
	return VirtPageNum(uint64(va) >> PageSizeBits)
}

// Ceil returns the first page at or above va.
func (va VirtAddr) Ceil() VirtPageNum {
	if va == 0 {
		return 0
	}
	return VirtPageNum((uint64(va)-1)>>PageSizeBits + 1)
}

// PageOffset returns the offset of va inside its page.
func (va VirtAddr) PageOffset() uint64 {
	return uint64(va) & (PageSize - 1)
}

// Aligned reports whether va is page aligned.
func (va VirtAddr) Aligned() bool {
	return va.PageOffset() == 0
}

// Addr returns the first address of the page.
func (vpn VirtPageNum) Addr() VirtAddr {
	return VirtAddr(uint64(vpn) << PageSizeBits)
}

// Floor returns the frame containing pa.
func (pa PhysAddr) Floor() PhysPageNum {
	return PhysPageNum(uint64(pa) >> PageSizeBits)
}

// PageOffset returns the offset of pa inside its frame.
func (pa PhysAddr) PageOffset() uint64 {
	return uint64(pa) & (PageSize - 1)
}

// Addr returns the first address of the frame.
func (ppn PhysPageNum) Addr() PhysAddr {
	return PhysAddr(uint64(ppn) << PageSizeBits)
}
