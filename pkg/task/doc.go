/*
Package task implements the task control block, the stride-scheduled ready
queue and the processor that switches between tasks.

# Ownership

A TaskControlBlock is shared between the processor (while it runs), the
ready queue (while it waits) and its parent's child list. Every holder owns
one strong reference:

	child, _ := parent.Fork() // count 2: the returned handle + parent's list
	manager.Add(child)       // the handle moves into the queue

When the count drops to zero the PID, the kernel stack and the address space
are released. The parent link is weak: Parent returns nil once the parent
itself has been released.

# Stride Scheduling

Manager.Fetch picks the Ready task with the smallest stride, scanning in
queue order so the first of several equal strides wins, and advances it by
BigStride / priority. A task with twice the priority is picked twice as often.
Priorities below MinPriority are rejected.

# Switching

Switcher is the boundary to the register-level context switch. All inner
borrows must be released before Switch is called, because the next task may
borrow the same cells as soon as it runs. Processor checks this and panics
otherwise.
*/
package task
