package task

// TrapReturnAddr is the kernel address a fresh task starts executing at: the
// routine that restores the trap context and enters user mode.
const TrapReturnAddr uint64 = 0x8020_2000

// TaskContext holds the callee-saved registers kept across a switch.
type TaskContext struct {
	// Ra is the return address the switch jumps to.
	Ra uint64
	// Sp is the kernel stack pointer.
	Sp uint64
	// S holds s0..s11.
	S [12]uint64
}

// ZeroContext returns an empty context.
func ZeroContext() TaskContext {
	return TaskContext{}
}

// GotoTrapReturn returns the first-entry context of a task whose kernel stack
// ends at kstackTop.
func GotoTrapReturn(kstackTop uint64) TaskContext {
	return TaskContext{Ra: TrapReturnAddr, Sp: kstackTop}
}

// Switcher saves the running register set into current and loads next. On
// hardware the call returns only when the suspended task is resumed.
type Switcher interface {
	Switch(current, next *TaskContext)
}

// CPU is a Switcher over a simulated register file.
type CPU struct {
	regs     TaskContext
	switches uint64
}

// NewCPU creates a CPU with zeroed registers.
func NewCPU() *CPU {
	return &CPU{}
}

// Switch stores the live registers into current and loads next.
func (c *CPU) Switch(current, next *TaskContext) {
	*current = c.regs
	c.regs = *next
	c.switches++
}

// Registers returns the live register set.
func (c *CPU) Registers() TaskContext {
	return c.regs
}

// Switches returns the number of switches performed.
func (c *CPU) Switches() uint64 {
	return c.switches
}
