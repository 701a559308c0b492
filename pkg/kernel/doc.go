/*
Package kernel ties the task machinery together into the process lifecycle
operations of a single-core, cooperatively scheduled kernel.

A Kernel owns the physical memory, the kernel address space, the PID and
kernel stack allocators, the ready queue and the processor. It is built once
at boot:

	k, err := kernel.New(cfg, kernel.WithLoader(apps), kernel.WithLogger(log))
	if err != nil {
		return err
	}
	if err := k.Boot(cfg.InitProc); err != nil {
		return err
	}

Every operation acts on the task currently running on the processor, the
way a system call would. Operations that give up the processor (Exit, Yield)
return once the next task has been switched in; Current then reports it.

# Orphans

When a task exits, its children are handed to the initial process so they
stay reapable. When the initial process exits, the kernel halts and the
children it still owns lose their parent link.

# Halting

The kernel halts when the initial process exits or no task is ready after
an exit. Halted and HaltCode report it. No operation may be issued after a
halt.
*/
package kernel
