package main

import (
	"fmt"
	"io"

	"strideos/pkg/kernel"
	"strideos/pkg/mm"
	"strideos/pkg/syscall"
	"strideos/pkg/trap"
)

// Scratch locations inside the one-page built-in programs.
const (
	strAddr  = mm.UserBase + 0x400
	slotAddr = mm.UserBase + 0x3f8
	infoAddr = mm.UserBase + 0x800
)

const (
	sysExit        = syscall.SysExit
	sysYield       = syscall.SysYield
	sysFork        = syscall.SysFork
	sysSpawn       = syscall.SysSpawn
	sysWaitpid     = syscall.SysWaitpid
	sysWrite       = syscall.SysWrite
	sysSetPriority = syscall.SysSetPriority
	sysTaskInfo    = syscall.SysTaskInfo
	sysGetpid      = syscall.SysGetpid
)

// sys issues a system call from the running task the way its code would:
// arguments in a0..a2, the number in a7, then a trap.
func sys(k *kernel.Kernel, id uint64, args ...uint64) int64 {
	k.Current().UpdateTrapContext(func(cx *trap.TrapContext) {
		cx.X[trap.RegA7] = id
		for i, a := range args {
			cx.X[trap.RegA0+i] = a
		}
	})
	return syscall.Trap(k)
}

// putString stores s NUL terminated at strAddr of the running task.
func putString(k *kernel.Kernel, s string) (uint64, error) {
	if err := mm.WriteUser(k.Mem(), k.Current().Token(), mm.VirtAddr(strAddr), append([]byte(s), 0)); err != nil {
		return 0, err
	}
	return strAddr, nil
}

// say prints a line from the running task through the write syscall.
func say(k *kernel.Kernel, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	addr, err := putString(k, msg)
	if err != nil {
		return err
	}
	if n := sys(k, sysWrite, 1, addr, uint64(len(msg))); n != int64(len(msg)) {
		return fmt.Errorf("write returned %d", n)
	}
	return nil
}

func spawn(k *kernel.Kernel, name string) (int64, error) {
	addr, err := putString(k, name)
	if err != nil {
		return 0, err
	}
	pid := sys(k, sysSpawn, addr)
	if pid < 0 {
		return 0, fmt.Errorf("spawn %s failed", name)
	}
	return pid, nil
}

type share struct {
	pid      int
	priority int64
	picks    int
}

// runShareDemo spawns one worker per priority and lets every task yield for
// the given number of rounds. Each worker sets its own priority the first
// time it runs. The workers exit and are reaped afterwards.
func runShareDemo(k *kernel.Kernel, priorities []int64, rounds int) ([]share, error) {
	initPid := k.Getpid()
	want := make(map[int]int64)
	stats := make(map[int]*share)
	var order []int

	for _, prio := range priorities {
		pid, err := spawn(k, "worker")
		if err != nil {
			return nil, err
		}
		want[int(pid)] = prio
		stats[int(pid)] = &share{pid: int(pid), priority: prio}
		order = append(order, int(pid))
	}

	// The initial process only reaps from here on.
	if sys(k, sysSetPriority, 2) != 2 {
		return nil, fmt.Errorf("set_priority failed")
	}

	for i := 0; i < rounds; i++ {
		pid := k.Getpid()
		if prio, ok := want[pid]; ok {
			if got := sys(k, sysSetPriority, uint64(prio)); got != prio {
				return nil, fmt.Errorf("pid %d: set_priority(%d) = %d", pid, prio, got)
			}
			delete(want, pid)
		}
		if s, ok := stats[pid]; ok {
			s.picks++
		}
		sys(k, sysYield)
	}

	for reaped := 0; reaped < len(priorities); {
		if k.Getpid() != initPid {
			sys(k, sysExit, uint64(k.Getpid()))
			continue
		}
		switch got := sys(k, sysWaitpid, ^uint64(0), slotAddr); {
		case got > 0:
			reaped++
		case got == -2:
			sys(k, sysYield)
		default:
			return nil, fmt.Errorf("waitpid = %d", got)
		}
	}

	out := make([]share, 0, len(order))
	for _, pid := range order {
		out = append(out, *stats[pid])
	}
	return out, nil
}

// runForkDemo forks, shows that waitpid does not block, lets the child exit
// with code 7 and reaps it.
func runForkDemo(k *kernel.Kernel, w io.Writer) error {
	parent := k.Getpid()
	child := sys(k, sysFork)
	if child <= 0 {
		return fmt.Errorf("fork = %d", child)
	}
	if err := say(k, "parent %d forked %d\n", parent, child); err != nil {
		return err
	}
	fmt.Fprintf(w, "waitpid before exit: %d\n", sys(k, sysWaitpid, uint64(child), slotAddr))

	for k.Getpid() != int(child) {
		sys(k, sysYield)
	}
	a0 := k.Current().TrapContext().X[trap.RegA0]
	if err := say(k, "child %d sees fork return %d\n", sys(k, sysGetpid), a0); err != nil {
		return err
	}
	sys(k, sysExit, 7)

	for k.Getpid() != parent {
		sys(k, sysYield)
	}
	got := sys(k, sysWaitpid, uint64(child), slotAddr)
	code, err := mm.ReadInt32(k.Mem(), k.Current().Token(), mm.VirtAddr(slotAddr))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "waitpid after exit: %d, exit code %d\n", got, code)
	return nil
}
