// Package trap defines the register snapshot used to enter and resume user
// mode, stored in the trap-context page of every user address space.
package trap

import (
	"encoding/binary"
	"fmt"
)

// Register indexes into TrapContext.X.
const (
	RegRA = 1
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA7 = 17
)

// sstatusSPP is the previous-privilege bit of sstatus; clear means user mode.
const sstatusSPP = 1 << 8

// Size is the encoded size of a TrapContext in bytes.
const Size = (32 + 5) * 8

// TrapContext is the saved user state of a task.
type TrapContext struct {
	// X holds the general purpose registers x0..x31.
	X [32]uint64
	// Sstatus is the saved supervisor status register.
	Sstatus uint64
	// Sepc is the user program counter to return to.
	Sepc uint64
	// KernelSatp is the token of the kernel address space.
	KernelSatp uint64
	// KernelSp is the top of the task's kernel stack.
	KernelSp uint64
	// TrapHandler is the address of the kernel trap handler.
	TrapHandler uint64
}

// AppInitContext builds the context that enters a fresh program at entry with
// its stack pointer at sp.
func AppInitContext(entry, sp, kernelSatp, kernelSp, trapHandler uint64) TrapContext {
	// SPP stays clear so that sret lands in user mode.
	cx := TrapContext{
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSp:    kernelSp,
		TrapHandler: trapHandler,
	}
	cx.X[RegSP] = sp
	return cx
}

// UserMode reports whether returning from the trap enters user mode.
func (cx *TrapContext) UserMode() bool {
	return cx.Sstatus&sstatusSPP == 0
}

// Encode stores the context at the beginning of page.
func (cx *TrapContext) Encode(page []byte) {
	if len(page) < Size {
		panic(fmt.Sprintf("trap: page of %d bytes cannot hold a trap context", len(page)))
	}
	for i, r := range cx.X {
		binary.LittleEndian.PutUint64(page[i*8:], r)
	}
	tail := []uint64{cx.Sstatus, cx.Sepc, cx.KernelSatp, cx.KernelSp, cx.TrapHandler}
	for i, v := range tail {
		binary.LittleEndian.PutUint64(page[(32+i)*8:], v)
	}
}

// Decode loads a context from the beginning of page.
func Decode(page []byte) TrapContext {
	if len(page) < Size {
		panic(fmt.Sprintf("trap: page of %d bytes cannot hold a trap context", len(page)))
	}
	var cx TrapContext
	for i := range cx.X {
		cx.X[i] = binary.LittleEndian.Uint64(page[i*8:])
	}
	tail := []*uint64{&cx.Sstatus, &cx.Sepc, &cx.KernelSatp, &cx.KernelSp, &cx.TrapHandler}
	for i, p := range tail {
		*p = binary.LittleEndian.Uint64(page[(32+i)*8:])
	}
	return cx
}
