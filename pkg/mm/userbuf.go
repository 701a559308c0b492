package mm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Translation errors.
var (
	ErrUnmapped      = errors.New("user address is not mapped")
	ErrStringTooLong = errors.New("user string exceeds the maximum length")
)

// maxUserStringSize bounds TranslatedStr.
const maxUserStringSize = PageSize

// TranslateUser resolves a virtual address of the address space named by
// token to a physical address the kernel can access. Only the page holding
// va is translated; callers crossing a page boundary translate again.
func TranslateUser(pm *PhysMemory, token uint64, va VirtAddr) (PhysAddr, error) {
	pt, err := pm.FromToken(token)
	if err != nil {
		return 0, err
	}
	pte, ok := pt.Translate(va.Floor())
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrUnmapped, uint64(va))
	}
	return pte.PPN.Addr() + PhysAddr(va.PageOffset()), nil
}

// transfer walks [va, va+len(buf)) page by page and hands each physical
// piece to fn together with the matching slice of buf.
func transfer(pm *PhysMemory, token uint64, va VirtAddr, buf []byte, fn func(frame, part []byte)) error {
	for len(buf) > 0 {
		pa, err := TranslateUser(pm, token, va)
		if err != nil {
			return err
		}
		frame := pm.Frame(pa.Floor())[pa.PageOffset():]
		n := min(len(frame), len(buf))
		fn(frame[:n], buf[:n])
		buf = buf[n:]
		va += VirtAddr(n)
	}
	return nil
}

// WriteUser copies src into the address space named by token at va.
func WriteUser(pm *PhysMemory, token uint64, va VirtAddr, src []byte) error {
	return transfer(pm, token, va, src, func(frame, part []byte) {
		copy(frame, part)
	})
}

// ReadUser copies len(dst) bytes at va of the address space named by token
// into dst.
func ReadUser(pm *PhysMemory, token uint64, va VirtAddr, dst []byte) error {
	return transfer(pm, token, va, dst, func(frame, part []byte) {
		copy(part, frame)
	})
}

// WriteUint64 stores a little-endian 64-bit value at va.
func WriteUint64(pm *PhysMemory, token uint64, va VirtAddr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return WriteUser(pm, token, va, b[:])
}

// ReadUint64 loads a little-endian 64-bit value from va.
func ReadUint64(pm *PhysMemory, token uint64, va VirtAddr) (uint64, error) {
	var b [8]byte
	if err := ReadUser(pm, token, va, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteInt32 stores a little-endian 32-bit value at va.
func WriteInt32(pm *PhysMemory, token uint64, va VirtAddr, v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return WriteUser(pm, token, va, b[:])
}

// ReadInt32 loads a little-endian 32-bit value from va.
func ReadInt32(pm *PhysMemory, token uint64, va VirtAddr) (int32, error) {
	var b [4]byte
	if err := ReadUser(pm, token, va, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// TranslatedStr reads a NUL-terminated string starting at va.
func TranslatedStr(pm *PhysMemory, token uint64, va VirtAddr) (string, error) {
	var out []byte
	var c [1]byte
	for len(out) < maxUserStringSize {
		if err := ReadUser(pm, token, va, c[:]); err != nil {
			return "", err
		}
		if c[0] == 0 {
			return string(out), nil
		}
		out = append(out, c[0])
		va++
	}
	return "", ErrStringTooLong
}
