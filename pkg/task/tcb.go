package task

import (
	"fmt"
	"sync/atomic"

	"strideos/pkg/config"
	"strideos/pkg/mm"
	"strideos/pkg/trap"
	"strideos/pkg/upsafe"
)

// MinPriority is the smallest priority a task may hold. It keeps
// BigStride / priority well defined.
const MinPriority = config.MinPriority

// Resources is what building and tearing down tasks needs from the kernel.
type Resources struct {
	// Mem is the physical memory address spaces live in.
	Mem *mm.PhysMemory
	// PIDs allocates process identifiers.
	PIDs *PIDAllocator
	// KernelStacks allocates kernel stacks.
	KernelStacks *KernelStackAllocator
	// UserStackSize is the user stack size of new address spaces.
	UserStackSize uint64
	// TrapHandler is stored in every trap context.
	TrapHandler uint64
	// DefaultPriority is given to tasks built from an image.
	DefaultPriority uint64
}

// TaskInner is the mutable state of a task, reached through the task's cell.
type TaskInner struct {
	// TrapCxPPN is the frame holding the trap context.
	TrapCxPPN mm.PhysPageNum
	// BaseSize is the size of the loaded image including the user stack.
	BaseSize uint64
	// TaskCx is the saved kernel context.
	TaskCx TaskContext
	// Status is the lifecycle state.
	Status TaskStatus
	// MemorySet is the owned address space.
	MemorySet *mm.MemorySet
	// Parent is a weak link to the parent task; use TaskControlBlock.Parent.
	Parent *TaskControlBlock
	// Children are owning references to the children.
	Children []*TaskControlBlock
	// ExitCode is valid once Status is Zombie.
	ExitCode int
	// HeapBottom is the lowest address of the heap.
	HeapBottom uint64
	// ProgramBrk is the current program break.
	ProgramBrk uint64
	// SyscallTimes counts invocations per syscall id.
	SyscallTimes map[uint64]uint32
	// StartTime is when the task was first scheduled, in microseconds.
	StartTime uint64
	// Scheduled reports whether StartTime has been recorded.
	Scheduled bool
	// Stride is the accumulated virtual time.
	Stride uint64
	// Priority is the scheduling weight, at least MinPriority.
	Priority uint64
}

// TransitionTo changes the status if the lifecycle allows it.
func (in *TaskInner) TransitionTo(to TaskStatus) error {
	if !in.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.Status, to)
	}
	in.Status = to
	return nil
}

// IsZombie reports whether the task has exited.
func (in *TaskInner) IsZombie() bool {
	return in.Status == Zombie
}

// SetPriority sets the scheduling weight.
func (in *TaskInner) SetPriority(p int64) error {
	if p < MinPriority {
		return ErrInvalidPriority
	}
	in.Priority = uint64(p)
	return nil
}

// Token returns the token of the task's address space.
func (in *TaskInner) Token() uint64 {
	return in.MemorySet.Token()
}

// TaskControlBlock is the kernel's descriptor of one process.
type TaskControlBlock struct {
	pid         int
	kernelStack KernelStack
	res         *Resources
	refs        atomic.Int64
	inner       *upsafe.Cell[TaskInner]
}

func trapContextPPN(ms *mm.MemorySet) mm.PhysPageNum {
	pte, ok := ms.Translate(mm.VirtAddr(mm.TrapContextBase).Floor())
	if !ok {
		panic("task: address space has no trap context page")
	}
	return pte.PPN
}

// NewFromImage builds a Ready task running the program image data. The
// returned handle holds the only reference.
func NewFromImage(res *Resources, data []byte) (*TaskControlBlock, error) {
	ms, userSP, entry, err := mm.FromImage(res.Mem, data, res.UserStackSize)
	if err != nil {
		return nil, err
	}
	ks, err := res.KernelStacks.Alloc()
	if err != nil {
		ms.Destroy()
		return nil, err
	}

	t := &TaskControlBlock{
		pid:         res.PIDs.Alloc(),
		kernelStack: ks,
		res:         res,
		inner: upsafe.New(TaskInner{
			TrapCxPPN:    trapContextPPN(ms),
			BaseSize:     userSP,
			TaskCx:       GotoTrapReturn(ks.Top),
			Status:       Ready,
			MemorySet:    ms,
			HeapBottom:   userSP,
			ProgramBrk:   userSP,
			SyscallTimes: make(map[uint64]uint32),
			Priority:     res.DefaultPriority,
		}),
	}
	t.refs.Store(1)
	t.SetTrapContext(trap.AppInitContext(entry, userSP, res.KernelStacks.KernelToken(), ks.Top, res.TrapHandler))
	return t, nil
}

// Fork creates a child holding an eager copy of t's address space, heap
// bounds and scheduling weight. The child is appended to t's children and
// the returned handle is a second reference to it.
func (t *TaskControlBlock) Fork() (*TaskControlBlock, error) {
	parent := t.inner.Borrow()
	defer t.inner.Release()

	ms, err := mm.FromExisting(t.res.Mem, parent.MemorySet)
	if err != nil {
		return nil, err
	}
	ks, err := t.res.KernelStacks.Alloc()
	if err != nil {
		ms.Destroy()
		return nil, err
	}

	child := &TaskControlBlock{
		pid:         t.res.PIDs.Alloc(),
		kernelStack: ks,
		res:         t.res,
		inner: upsafe.New(TaskInner{
			TrapCxPPN:    trapContextPPN(ms),
			BaseSize:     parent.BaseSize,
			TaskCx:       GotoTrapReturn(ks.Top),
			Status:       Ready,
			MemorySet:    ms,
			Parent:       t,
			HeapBottom:   parent.HeapBottom,
			ProgramBrk:   parent.ProgramBrk,
			SyscallTimes: make(map[uint64]uint32),
			Stride:       parent.Stride,
			Priority:     parent.Priority,
		}),
	}
	child.refs.Store(1)
	parent.Children = append(parent.Children, child.Retain())

	child.UpdateTrapContext(func(cx *trap.TrapContext) {
		cx.KernelSp = ks.Top
	})
	return child, nil
}

// Exec replaces the address space and trap context of t with a fresh copy
// of the program image data. PID, parent and children are kept.
func (t *TaskControlBlock) Exec(data []byte) error {
	ms, userSP, entry, err := mm.FromImage(t.res.Mem, data, t.res.UserStackSize)
	if err != nil {
		return err
	}

	inner := t.inner.Borrow()
	old := inner.MemorySet
	inner.MemorySet = ms
	inner.TrapCxPPN = trapContextPPN(ms)
	inner.BaseSize = userSP
	inner.HeapBottom = userSP
	inner.ProgramBrk = userSP
	t.inner.Release()

	t.SetTrapContext(trap.AppInitContext(entry, userSP, t.res.KernelStacks.KernelToken(), t.kernelStack.Top, t.res.TrapHandler))
	old.Destroy()
	return nil
}

// ChangeProgramBrk moves the program break by delta bytes and returns the
// old break. It fails, changing nothing, when the break would drop below the
// heap bottom or the heap cannot grow.
func (t *TaskControlBlock) ChangeProgramBrk(delta int64) (uint64, bool) {
	inner := t.inner.Borrow()
	defer t.inner.Release()

	oldBrk := inner.ProgramBrk
	newBrk := int64(oldBrk) + delta
	if newBrk < int64(inner.HeapBottom) {
		return 0, false
	}

	var ok bool
	if delta < 0 {
		ok = inner.MemorySet.ShrinkTo(mm.VirtAddr(inner.HeapBottom), mm.VirtAddr(newBrk))
	} else {
		ok = inner.MemorySet.AppendTo(mm.VirtAddr(inner.HeapBottom), mm.VirtAddr(newBrk))
	}
	if !ok {
		return 0, false
	}
	inner.ProgramBrk = uint64(newBrk)
	return oldBrk, true
}

// Getpid returns the process identifier.
func (t *TaskControlBlock) Getpid() int {
	return t.pid
}

// KernelStack returns the kernel stack of the task.
func (t *TaskControlBlock) KernelStack() KernelStack {
	return t.kernelStack
}

// Inner returns the cell guarding the mutable state.
func (t *TaskControlBlock) Inner() *upsafe.Cell[TaskInner] {
	return t.inner
}

// Token returns the token of the task's address space.
func (t *TaskControlBlock) Token() uint64 {
	inner := t.inner.Borrow()
	defer t.inner.Release()
	return inner.Token()
}

// Status returns the lifecycle state.
func (t *TaskControlBlock) Status() TaskStatus {
	inner := t.inner.Borrow()
	defer t.inner.Release()
	return inner.Status
}

// Parent returns the parent task, or nil for the root and for tasks whose
// parent has been released.
func (t *TaskControlBlock) Parent() *TaskControlBlock {
	inner := t.inner.Borrow()
	defer t.inner.Release()
	if inner.Parent == nil || inner.Parent.StrongCount() == 0 {
		return nil
	}
	return inner.Parent
}

// IncSyscall counts one invocation of syscall id. Ids past
// config.MaxSyscallNum are not counted.
func (t *TaskControlBlock) IncSyscall(id uint64) {
	if id >= config.MaxSyscallNum {
		return
	}
	inner := t.inner.Borrow()
	defer t.inner.Release()
	inner.SyscallTimes[id]++
}

func (t *TaskControlBlock) trapPage() []byte {
	inner := t.inner.Borrow()
	ppn := inner.TrapCxPPN
	t.inner.Release()
	return t.res.Mem.Frame(ppn)
}

// TrapContext returns a copy of the saved user state.
func (t *TaskControlBlock) TrapContext() trap.TrapContext {
	return trap.Decode(t.trapPage())
}

// SetTrapContext overwrites the saved user state.
func (t *TaskControlBlock) SetTrapContext(cx trap.TrapContext) {
	cx.Encode(t.trapPage())
}

// UpdateTrapContext applies fn to the saved user state.
func (t *TaskControlBlock) UpdateTrapContext(fn func(cx *trap.TrapContext)) {
	page := t.trapPage()
	cx := trap.Decode(page)
	fn(&cx)
	cx.Encode(page)
}

// Retain adds a strong reference and returns t.
func (t *TaskControlBlock) Retain() *TaskControlBlock {
	if t.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("task: pid %d retained after release", t.pid))
	}
	return t
}

// Release drops a strong reference. The last release frees the address space,
// the kernel stack and the PID, and drops the references held on children.
func (t *TaskControlBlock) Release() {
	n := t.refs.Add(-1)
	switch {
	case n < 0:
		panic(fmt.Sprintf("task: pid %d released more often than retained", t.pid))
	case n > 0:
		return
	}

	inner := t.inner.Borrow()
	ms := inner.MemorySet
	children := inner.Children
	inner.MemorySet = nil
	inner.Children = nil
	t.inner.Release()

	for _, c := range children {
		c.Release()
	}
	if ms != nil {
		ms.Destroy()
	}
	t.res.KernelStacks.Dealloc(t.kernelStack)
	t.res.PIDs.Dealloc(t.pid)
}

// StrongCount returns the number of strong references.
func (t *TaskControlBlock) StrongCount() int64 {
	return t.refs.Load()
}
