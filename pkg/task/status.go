package task

import "errors"

// Task errors.
var (
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrInvalidPriority   = errors.New("priority must be at least 2")
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus int

const (
	// UnInit is a task whose context has not been built yet.
	UnInit TaskStatus = iota
	// Ready is a task waiting in the ready queue.
	Ready
	// Running is the task currently on the processor.
	Running
	// Zombie is a task that exited and has not been reaped.
	Zombie
)

// String returns the status name.
func (s TaskStatus) String() string {
	switch s {
	case UnInit:
		return "uninit"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	}
	return "unknown"
}

// validTransitions lists every allowed status change. Zombie is terminal.
var validTransitions = map[TaskStatus][]TaskStatus{
	UnInit:  {Ready},
	Ready:   {Running},
	Running: {Ready, Zombie},
}

// CanTransition reports whether s may change to to.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
