package task

import "sync"

// Manager is the ready queue. Fetch hands out the ready task with the
// smallest stride, so over time each task receives processor share in
// proportion to its priority.
type Manager struct {
	mu        sync.Mutex
	ready     []*TaskControlBlock
	bigStride uint64
}

// NewManager creates an empty ready queue. A task of priority p advances its
// stride by bigStride/p each time it is picked.
func NewManager(bigStride uint64) *Manager {
	return &Manager{bigStride: bigStride}
}

// Add appends a task to the queue. The queue takes over the caller's
// reference.
func (m *Manager) Add(t *TaskControlBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, t)
}

// strideLess compares strides that may have wrapped around. It holds as long
// as live strides stay within half the counter range of each other, which
// bigStride/MinPriority guarantees.
func strideLess(a, b uint64) bool {
	return int64(a-b) < 0
}

// Fetch removes and returns the Ready task with the smallest stride, after
// advancing its stride by one pass. Ties go to the task queued first. It
// returns nil when no task is Ready.
func (m *Manager) Fetch() *TaskControlBlock {
	m.mu.Lock()
	defer m.mu.Unlock()

	best := -1
	var bestStride uint64
	for i, t := range m.ready {
		inner := t.inner.Borrow()
		status, stride := inner.Status, inner.Stride
		t.inner.Release()

		if status != Ready {
			continue
		}
		if best < 0 || strideLess(stride, bestStride) {
			best, bestStride = i, stride
		}
	}
	if best < 0 {
		return nil
	}

	t := m.ready[best]
	m.ready = append(m.ready[:best], m.ready[best+1:]...)

	inner := t.inner.Borrow()
	if inner.Priority < MinPriority {
		t.inner.Release()
		panic("task: priority below minimum in ready queue")
	}
	inner.Stride += m.bigStride / inner.Priority
	t.inner.Release()
	return t
}

// Remove takes t out of the queue and reports whether it was queued. The
// caller receives the queue's reference.
func (m *Manager) Remove(t *TaskControlBlock) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.ready {
		if q == t {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether t is queued.
func (m *Manager) Contains(t *TaskControlBlock) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.ready {
		if q == t {
			return true
		}
	}
	return false
}

// Len returns the number of queued tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready)
}

// Pids returns the PIDs of the queued tasks in queue order.
func (m *Manager) Pids() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.ready))
	for i, t := range m.ready {
		out[i] = t.pid
	}
	return out
}
