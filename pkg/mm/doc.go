/*
Package mm provides the address-space layer the process core is built on.

It models physical memory as a pool of page frames, one page table per
address space and a MemorySet that owns the framed areas of a process:

  - PhysMemory: frame allocator with recycling and the page-table registry
  - PageTable: virtual page to physical frame mapping, identified by a token
  - MemorySet: framed areas, image loading, fork copies, heap and mmap changes
  - TranslateUser, ReadUser, WriteUser: kernel access to the memory of an
    address space that is not the active one

# Address Space Layout

Every user address space maps, from the top down:

	Trampoline       shared code page, never freed
	TrapContextBase  trap context of the owning task
	...
	user stack       UserStackSize bytes below the heap start
	guard page
	image segments   starting at UserBase for flat images

The heap starts empty at the top of the user stack and grows with AppendTo.

# Cross Address Space Access

Kernel code never assumes a user record lies in one frame:

	err := mm.WriteUser(pm, token, va, buf)

translates every page the range touches and copies each piece into its own
frame.
*/
package mm
