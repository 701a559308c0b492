package kernel

import (
	"fmt"

	"strideos/pkg/mm"
	"strideos/pkg/task"
	"strideos/pkg/trap"
)

// Exit turns the running task into a zombie holding code and runs the next
// task. The task keeps its PID and kernel stack until its parent reaps it.
func (k *Kernel) Exit(code int) {
	cur := k.proc.TakeCurrent()
	if cur == nil {
		panic("kernel: exit with no task running")
	}
	pid := cur.Getpid()

	inner := cur.Inner().Borrow()
	if err := inner.TransitionTo(task.Zombie); err != nil {
		cur.Inner().Release()
		panic(fmt.Sprintf("kernel: exit pid %d: %v", pid, err))
	}
	inner.ExitCode = code
	children := inner.Children
	inner.Children = nil
	inner.MemorySet.RecycleDataPages()
	cur.Inner().Release()

	k.log.Debug("exit", "pid", pid, "code", code, "children", len(children))

	if cur == k.initproc {
		for _, child := range children {
			child.Inner().With(func(in *task.TaskInner) { in.Parent = nil })
			child.Release()
		}
		cur.Release()
		k.halt(code)
		return
	}

	k.adopt(children)
	cur.Release()

	var unused task.TaskContext
	if !k.proc.Schedule(&unused) {
		k.log.Warn("no ready task after exit", "pid", pid)
		k.halt(code)
	}
}

// adopt hands orphans to the initial process.
func (k *Kernel) adopt(children []*task.TaskControlBlock) {
	if len(children) == 0 {
		return
	}
	for _, child := range children {
		child.Inner().With(func(in *task.TaskInner) { in.Parent = k.initproc })
	}
	k.initproc.Inner().With(func(in *task.TaskInner) {
		in.Children = append(in.Children, children...)
	})
}

// Yield puts the running task back in the ready queue and runs the task with
// the smallest stride, which may be the same one.
func (k *Kernel) Yield() {
	cur := k.proc.TakeCurrent()
	if cur == nil {
		panic("kernel: yield with no task running")
	}

	inner := cur.Inner().Borrow()
	if err := inner.TransitionTo(task.Ready); err != nil {
		cur.Inner().Release()
		panic(fmt.Sprintf("kernel: yield pid %d: %v", cur.Getpid(), err))
	}
	cx := &inner.TaskCx
	cur.Inner().Release()

	k.manager.Add(cur)
	if !k.proc.Schedule(cx) {
		panic("kernel: no ready task after yield")
	}
}

// Fork duplicates the running task and returns the child's PID. The child
// resumes from the same trap context with 0 as the syscall result.
func (k *Kernel) Fork() (int, error) {
	cur := k.current()
	child, err := cur.Fork()
	if err != nil {
		return 0, fmt.Errorf("fork pid %d: %w", cur.Getpid(), err)
	}
	child.UpdateTrapContext(func(cx *trap.TrapContext) {
		cx.X[trap.RegA0] = 0
	})

	pid := child.Getpid()
	k.manager.Add(child)
	k.log.Debug("fork", "pid", cur.Getpid(), "child", pid)
	return pid, nil
}

// Exec replaces the program of the running task with the one called name.
// When name is unknown nothing changes.
func (k *Kernel) Exec(name string) error {
	cur := k.current()
	data, ok := k.loader.LookupByName(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}
	if err := cur.Exec(data); err != nil {
		return fmt.Errorf("exec %s: %w", name, err)
	}
	k.log.Debug("exec", "pid", cur.Getpid(), "program", name)
	return nil
}

// Spawn starts the program called name as a new child of the running task
// and returns its PID.
func (k *Kernel) Spawn(name string) (int, error) {
	cur := k.current()
	data, ok := k.loader.LookupByName(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}
	child, err := task.NewFromImage(k.res, data)
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %w", name, err)
	}

	child.Inner().With(func(in *task.TaskInner) { in.Parent = cur })
	cur.Inner().With(func(in *task.TaskInner) {
		in.Children = append(in.Children, child.Retain())
	})

	pid := child.Getpid()
	k.manager.Add(child)
	k.log.Debug("spawn", "pid", cur.Getpid(), "child", pid, "program", name)
	return pid, nil
}

// WaitPID reaps a zombie child of the running task. pid -1 matches any
// child. The exit code is stored as an int32 at exitCodePtr in the caller's
// address space. It never blocks: ErrNoSuchChild and ErrChildRunning tell
// the caller whether polling again can succeed.
func (k *Kernel) WaitPID(pid int, exitCodePtr uint64) (int, error) {
	cur := k.current()

	inner := cur.Inner().Borrow()
	found, idx := false, -1
	for i, child := range inner.Children {
		if pid != -1 && child.Getpid() != pid {
			continue
		}
		found = true
		if child.Status() == task.Zombie {
			idx = i
			break
		}
	}
	if !found {
		cur.Inner().Release()
		return -1, ErrNoSuchChild
	}
	if idx < 0 {
		cur.Inner().Release()
		return -2, ErrChildRunning
	}
	child := inner.Children[idx]
	inner.Children = append(inner.Children[:idx], inner.Children[idx+1:]...)
	token := inner.Token()
	cur.Inner().Release()

	if n := child.StrongCount(); n != 1 {
		panic(fmt.Sprintf("kernel: reaping pid %d with %d references", child.Getpid(), n))
	}
	var code int
	child.Inner().With(func(in *task.TaskInner) { code = in.ExitCode })
	childPid := child.Getpid()
	child.Release()

	k.log.Debug("waitpid", "pid", cur.Getpid(), "child", childPid, "code", code)
	if err := mm.WriteInt32(k.mem, token, mm.VirtAddr(exitCodePtr), int32(code)); err != nil {
		return childPid, fmt.Errorf("store exit code of pid %d: %w", childPid, err)
	}
	return childPid, nil
}

// SetPriority sets the scheduling weight of the running task and returns it.
func (k *Kernel) SetPriority(prio int64) (int64, error) {
	cur := k.current()
	var err error
	cur.Inner().With(func(in *task.TaskInner) { err = in.SetPriority(prio) })
	if err != nil {
		return -1, err
	}
	k.log.Debug("set priority", "pid", cur.Getpid(), "priority", prio)
	return prio, nil
}

// Kill terminates the running task with exit code -1 after a fault it
// caused, such as passing an unmapped pointer.
func (k *Kernel) Kill(reason error) {
	k.log.Warn("killed", "pid", k.Getpid(), "reason", reason)
	k.Exit(-1)
}
