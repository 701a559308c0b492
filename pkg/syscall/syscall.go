// Package syscall decodes system calls issued by user tasks and routes them
// to the kernel, turning kernel errors into the negative results user code
// sees.
package syscall

import (
	"errors"

	"strideos/pkg/kernel"
	"strideos/pkg/mm"
	"strideos/pkg/task"
	"strideos/pkg/trap"
)

// System call numbers.
const (
	SysWrite       = 64
	SysExit        = 93
	SysYield       = 124
	SysSetPriority = 140
	SysGetTime     = 169
	SysGetpid      = 172
	SysSbrk        = 214
	SysMunmap      = 215
	SysFork        = 220
	SysExec        = 221
	SysMmap        = 222
	SysWaitpid     = 260
	SysSpawn       = 400
	SysTaskInfo    = 410
)

var names = map[uint64]string{
	SysWrite:       "write",
	SysExit:        "exit",
	SysYield:       "yield",
	SysSetPriority: "set_priority",
	SysGetTime:     "get_time",
	SysGetpid:      "getpid",
	SysSbrk:        "sbrk",
	SysMunmap:      "munmap",
	SysFork:        "fork",
	SysExec:        "exec",
	SysMmap:        "mmap",
	SysWaitpid:     "waitpid",
	SysSpawn:       "spawn",
	SysTaskInfo:    "task_info",
}

// Name returns the name of syscall id, or "unknown".
func Name(id uint64) string {
	if n, ok := names[id]; ok {
		return n
	}
	return "unknown"
}

// Trap handles the system call described by the trap context of the running
// task: a7 holds the number and a0..a2 the arguments.
func Trap(k *kernel.Kernel) int64 {
	cx := k.Current().TrapContext()
	args := [3]uint64{cx.X[trap.RegA0], cx.X[trap.RegA1], cx.X[trap.RegA2]}
	return Handle(k, cx.X[trap.RegA7], args)
}

// Handle runs syscall id for the running task and stores the result in its
// a0 register. The saved pc is moved past the ecall first, so a forked child
// resumes after it too. Nothing is stored for a task that exited.
func Handle(k *kernel.Kernel, id uint64, args [3]uint64) int64 {
	caller := k.Current()
	caller.UpdateTrapContext(func(cx *trap.TrapContext) { cx.Sepc += 4 })

	ret := Dispatch(k, id, args)

	if caller.Status() != task.Zombie {
		caller.UpdateTrapContext(func(cx *trap.TrapContext) { cx.X[trap.RegA0] = uint64(ret) })
	}
	return ret
}

// Dispatch counts syscall id against the running task and runs it. Errors
// become -1, except waitpid on a live child which gives -2. A bad user
// pointer kills the caller.
func Dispatch(k *kernel.Kernel, id uint64, args [3]uint64) int64 {
	cur := k.Current()
	cur.IncSyscall(id)
	k.Logger().Debug("syscall", "pid", cur.Getpid(), "syscall", Name(id), "args", args[:])

	switch id {
	case SysWrite:
		n, err := k.Write(int(args[0]), args[1], args[2])
		if err != nil {
			return fail(k, id, err)
		}
		return int64(n)

	case SysExit:
		k.Exit(int(int32(args[0])))
		return 0

	case SysYield:
		k.Yield()
		return 0

	case SysSetPriority:
		prio, err := k.SetPriority(int64(args[0]))
		if err != nil {
			return fail(k, id, err)
		}
		return prio

	case SysGetTime:
		if err := k.GetTime(args[0]); err != nil {
			return fail(k, id, err)
		}
		return 0

	case SysGetpid:
		return int64(k.Getpid())

	case SysSbrk:
		old, err := k.Sbrk(int64(args[0]))
		if err != nil {
			return fail(k, id, err)
		}
		return int64(old)

	case SysMunmap:
		if err := k.Munmap(args[0], args[1]); err != nil {
			return fail(k, id, err)
		}
		return 0

	case SysFork:
		pid, err := k.Fork()
		if err != nil {
			return fail(k, id, err)
		}
		return int64(pid)

	case SysExec:
		name, err := mm.TranslatedStr(k.Mem(), cur.Token(), mm.VirtAddr(args[0]))
		if err != nil {
			return fail(k, id, err)
		}
		if err := k.Exec(name); err != nil {
			return fail(k, id, err)
		}
		return 0

	case SysMmap:
		if err := k.Mmap(args[0], args[1], args[2]); err != nil {
			return fail(k, id, err)
		}
		return 0

	case SysWaitpid:
		pid, err := k.WaitPID(int(int64(args[0])), args[1])
		switch {
		case errors.Is(err, kernel.ErrNoSuchChild), errors.Is(err, kernel.ErrChildRunning):
			return int64(pid)
		case err != nil:
			return fail(k, id, err)
		}
		return int64(pid)

	case SysSpawn:
		name, err := mm.TranslatedStr(k.Mem(), cur.Token(), mm.VirtAddr(args[0]))
		if err != nil {
			return fail(k, id, err)
		}
		pid, err := k.Spawn(name)
		if err != nil {
			return fail(k, id, err)
		}
		return int64(pid)

	case SysTaskInfo:
		if err := k.TaskInfo(args[0]); err != nil {
			return fail(k, id, err)
		}
		return 0
	}

	k.Logger().Warn("unsupported syscall", "pid", cur.Getpid(), "syscall", id)
	return -1
}

// fail reports err as -1. Faults on user memory also kill the caller.
func fail(k *kernel.Kernel, id uint64, err error) int64 {
	if errors.Is(err, mm.ErrUnmapped) || errors.Is(err, mm.ErrStringTooLong) {
		k.Kill(err)
		return -1
	}
	k.Logger().Debug("syscall failed", "pid", k.Getpid(), "syscall", Name(id), "err", err)
	return -1
}
