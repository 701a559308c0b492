package main

import (
	"fmt"
	"io"

	"github.com/mattn/go-tty"

	"strideos/pkg/kernel"
	"strideos/pkg/mm"
	"strideos/pkg/task"
	"strideos/pkg/timer"
)

const help = `keys: y yield  f fork  s spawn  e exit  w waitpid  p priority  i info  q quit`

// runInteractive reads single keys from the terminal and issues the matching
// system call from whichever task is running.
func runInteractive(k *kernel.Kernel) error {
	t, err := tty.Open()
	if err != nil {
		return err
	}
	defer t.Close()

	out := t.Output()
	fmt.Fprintln(out, help)
	status(k, out)

	for !k.Halted() {
		r, err := t.ReadRune()
		if err != nil {
			return err
		}
		if r == 'q' {
			return nil
		}
		if err := step(k, r, out); err != nil {
			fmt.Fprintf(out, "error: %v\r\n", err)
		}
		status(k, out)
	}
	fmt.Fprintf(out, "kernel halted with code %d\r\n", k.HaltCode())
	return nil
}

// step performs the action bound to key r.
func step(k *kernel.Kernel, r rune, out io.Writer) error {
	switch r {
	case 'y':
		sys(k, sysYield)
	case 'f':
		fmt.Fprintf(out, "fork = %d\r\n", sys(k, sysFork))
	case 's':
		pid, err := spawn(k, "worker")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "spawn = %d\r\n", pid)
	case 'e':
		sys(k, sysExit, uint64(k.Getpid()))
	case 'w':
		got := sys(k, sysWaitpid, ^uint64(0), slotAddr)
		if got < 0 {
			fmt.Fprintf(out, "waitpid = %d\r\n", got)
			return nil
		}
		code, err := mm.ReadInt32(k.Mem(), k.Current().Token(), mm.VirtAddr(slotAddr))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "waitpid = %d, exit code %d\r\n", got, code)
	case 'p':
		var prio uint64
		k.Current().Inner().With(func(in *task.TaskInner) { prio = in.Priority })
		next := prio * 2
		if next > 64 {
			next = 2
		}
		fmt.Fprintf(out, "set_priority = %d\r\n", sys(k, sysSetPriority, next))
	case 'i':
		return info(k, out)
	default:
		fmt.Fprintln(out, help)
	}
	return nil
}

// info asks the running task for its statistics and prints them.
func info(k *kernel.Kernel, out io.Writer) error {
	if got := sys(k, sysTaskInfo, infoAddr); got != 0 {
		return fmt.Errorf("task_info = %d", got)
	}
	token := k.Current().Token()
	st, err := mm.ReadUint64(k.Mem(), token, mm.VirtAddr(infoAddr))
	if err != nil {
		return err
	}
	ms, err := mm.ReadUint64(k.Mem(), token, mm.VirtAddr(kernel.TaskInfoSize-8+infoAddr))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "status %s, running for %d ms (%d s)\r\n", task.TaskStatus(st), ms, ms*timer.MicrosPerMilli/timer.MicrosPerSec)
	return nil
}

func status(k *kernel.Kernel, out io.Writer) {
	if k.Halted() {
		return
	}
	fmt.Fprintf(out, "[pid %d running, %d ready]\r\n", k.Getpid(), k.ReadyLen())
}
