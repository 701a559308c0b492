package task

import (
	"fmt"

	"strideos/pkg/timer"
)

// Processor tracks the task running on the single CPU and drives switches
// between it and the idle control flow.
type Processor struct {
	manager  *Manager
	switcher Switcher
	clock    timer.Clock
	current  *TaskControlBlock
	idle     TaskContext
}

// NewProcessor creates a processor scheduling from manager.
func NewProcessor(manager *Manager, switcher Switcher, clock timer.Clock) *Processor {
	return &Processor{manager: manager, switcher: switcher, clock: clock}
}

// Manager returns the ready queue the processor draws from.
func (p *Processor) Manager() *Manager {
	return p.manager
}

// Current returns the running task without transferring its reference.
func (p *Processor) Current() *TaskControlBlock {
	return p.current
}

// TakeCurrent clears the running slot and hands its reference to the caller.
func (p *Processor) TakeCurrent() *TaskControlBlock {
	t := p.current
	p.current = nil
	return t
}

// IdleContext returns the saved idle context.
func (p *Processor) IdleContext() TaskContext {
	return p.idle
}

// RunNext picks the next task, marks it Running and switches to it from the
// idle flow. It reports false when no task is ready.
func (p *Processor) RunNext() bool {
	next := p.manager.Fetch()
	if next == nil {
		return false
	}

	inner := next.inner.Borrow()
	if err := inner.TransitionTo(Running); err != nil {
		next.inner.Release()
		panic(fmt.Sprintf("task: pid %d: %v", next.pid, err))
	}
	if !inner.Scheduled {
		inner.StartTime = p.clock.NowMicros()
		inner.Scheduled = true
	}
	nextCx := &inner.TaskCx
	next.inner.Release()

	p.current = next
	p.switchTo(&p.idle, nextCx)
	return true
}

// Schedule saves the running flow into switched, returns to the idle flow
// and runs the next ready task. It reports false when the queue is empty.
func (p *Processor) Schedule(switched *TaskContext) bool {
	p.switchTo(switched, &p.idle)
	return p.RunNext()
}

// switchTo refuses to switch while the state of a task involved is borrowed;
// the suspended side would keep the borrow forever.
func (p *Processor) switchTo(from, to *TaskContext) {
	if p.current != nil && p.current.inner.Borrowed() {
		panic(fmt.Sprintf("task: switch with pid %d state borrowed", p.current.pid))
	}
	p.switcher.Switch(from, to)
}
