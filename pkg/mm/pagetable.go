package mm

import "fmt"

// satpModeSv39 is the paging mode stored in the top bits of a token.
const satpModeSv39 = 8

// PTEFlags are the permission and status bits of a page-table entry.
type PTEFlags uint8

const (
	PTEValid PTEFlags = 1 << iota
	PTERead
	PTEWrite
	PTEExec
	PTEUser
	PTEGlobal
	PTEAccessed
	PTEDirty
)

// PageTableEntry maps one virtual page to one frame.
type PageTableEntry struct {
	// PPN is the frame the page maps to.
	PPN PhysPageNum
	// Flags are the entry bits.
	Flags PTEFlags
}

// IsValid reports whether the entry maps a frame.
func (e PageTableEntry) IsValid() bool { return e.Flags&PTEValid != 0 }

// Readable reports whether the page may be read.
func (e PageTableEntry) Readable() bool { return e.Flags&PTERead != 0 }

// Writable reports whether the page may be written.
func (e PageTableEntry) Writable() bool { return e.Flags&PTEWrite != 0 }

// Executable reports whether the page may be executed.
func (e PageTableEntry) Executable() bool { return e.Flags&PTEExec != 0 }

// User reports whether the page is accessible from user mode.
func (e PageTableEntry) User() bool { return e.Flags&PTEUser != 0 }

// PageTable translates the pages of one address space. The root frame is
// what the token names.
type PageTable struct {
	pm      *PhysMemory
	root    PhysPageNum
	entries map[VirtPageNum]PageTableEntry
}

// NewPageTable allocates a root frame and registers the table so that it can
// be found again from its token.
func NewPageTable(pm *PhysMemory) (*PageTable, error) {
	root, err := pm.AllocFrame()
	if err != nil {
		return nil, err
	}
	pt := &PageTable{
		pm:      pm,
		root:    root,
		entries: make(map[VirtPageNum]PageTableEntry),
	}
	pm.register(pt)
	return pt, nil
}

// Map installs a mapping. Mapping a page twice is a kernel bug.
func (pt *PageTable) Map(vpn VirtPageNum, ppn PhysPageNum, flags PTEFlags) {
	if e, ok := pt.entries[vpn]; ok && e.IsValid() {
		panic(fmt.Sprintf("mm: vpn %#x is mapped before mapping", uint64(vpn)))
	}
	pt.entries[vpn] = PageTableEntry{PPN: ppn, Flags: flags | PTEValid}
}

// Unmap removes a mapping. Unmapping an unmapped page is a kernel bug.
func (pt *PageTable) Unmap(vpn VirtPageNum) {
	if e, ok := pt.entries[vpn]; !ok || !e.IsValid() {
		panic(fmt.Sprintf("mm: vpn %#x is invalid before unmapping", uint64(vpn)))
	}
	delete(pt.entries, vpn)
}

// Translate looks up the entry for vpn.
func (pt *PageTable) Translate(vpn VirtPageNum) (PageTableEntry, bool) {
	e, ok := pt.entries[vpn]
	if !ok || !e.IsValid() {
		return PageTableEntry{}, false
	}
	return e, true
}

// TranslateVA translates a virtual address to a physical address.
func (pt *PageTable) TranslateVA(va VirtAddr) (PhysAddr, bool) {
	e, ok := pt.Translate(va.Floor())
	if !ok {
		return 0, false
	}
	return e.PPN.Addr() + PhysAddr(va.PageOffset()), true
}

// Token returns the satp-style identifier of the address space.
func (pt *PageTable) Token() uint64 {
	return satpModeSv39<<60 | uint64(pt.root)
}

// Len returns the number of mapped pages.
func (pt *PageTable) Len() int {
	return len(pt.entries)
}

// destroy forgets every mapping and frees the root frame. Frames the entries
// pointed to belong to their map areas and are not touched.
func (pt *PageTable) destroy() {
	pt.pm.unregister(pt)
	pt.entries = nil
	pt.pm.FreeFrame(pt.root)
}
