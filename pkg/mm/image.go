package mm

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// Image errors.
var (
	ErrEmptyImage = errors.New("empty program image")
	ErrBadImage   = errors.New("malformed program image")
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// segment is one loadable piece of an image.
type segment struct {
	start VirtAddr
	end   VirtAddr
	perm  MapPermission
	data  []byte
}

// FromImage builds a user address space from a program image and returns it
// with the initial user stack pointer and the entry point. ELF images are
// loaded by their PT_LOAD segments; anything else is a flat binary placed at
// UserBase.
func FromImage(pm *PhysMemory, data []byte, userStackSize uint64) (*MemorySet, uint64, uint64, error) {
	if len(data) == 0 {
		return nil, 0, 0, ErrEmptyImage
	}

	var (
		segs  []segment
		entry uint64
		err   error
	)
	if bytes.HasPrefix(data, elfMagic) {
		segs, entry, err = elfSegments(data)
		if err != nil {
			return nil, 0, 0, err
		}
	} else {
		segs = []segment{{
			start: VirtAddr(UserBase),
			end:   VirtAddr(UserBase + uint64(len(data))),
			perm:  PermR | PermW | PermX | PermU,
			data:  data,
		}}
		entry = UserBase
	}

	ms, err := NewBare(pm)
	if err != nil {
		return nil, 0, 0, err
	}
	ms.mapTrampoline()

	var maxEnd VirtPageNum
	for _, s := range segs {
		area := newMapArea(s.start, s.end, s.perm)
		if err := ms.push(area, nil); err != nil {
			ms.Destroy()
			return nil, 0, 0, err
		}
		area.copyData(ms, s.start.PageOffset(), s.data)
		maxEnd = max(maxEnd, area.End)
	}

	stackBottom := uint64(maxEnd.Addr()) + PageSize
	stackTop := stackBottom + userStackSize
	steps := []struct {
		start, end uint64
		perm       MapPermission
	}{
		{stackBottom, stackTop, PermR | PermW | PermU},
		{stackTop, stackTop, PermR | PermW | PermU},
		{TrapContextBase, Trampoline, PermR | PermW},
	}
	for _, st := range steps {
		if err := ms.InsertFramedArea(VirtAddr(st.start), VirtAddr(st.end), st.perm); err != nil {
			ms.Destroy()
			return nil, 0, 0, err
		}
	}
	return ms, stackTop, entry, nil
}

func elfSegments(data []byte) ([]segment, uint64, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, 0, fmt.Errorf("%w: not a 64-bit image", ErrBadImage)
	}

	var segs []segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, 0, fmt.Errorf("%w: segment file size exceeds memory size", ErrBadImage)
		}
		perm := PermU
		if prog.Flags&elf.PF_R != 0 {
			perm |= PermR
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= PermW
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= PermX
		}
		buf := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), buf); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrBadImage, err)
		}
		segs = append(segs, segment{
			start: VirtAddr(prog.Vaddr),
			end:   VirtAddr(prog.Vaddr + prog.Memsz),
			perm:  perm,
			data:  buf,
		})
	}
	if len(segs) == 0 {
		return nil, 0, fmt.Errorf("%w: no loadable segment", ErrBadImage)
	}
	return segs, f.Entry, nil
}
