package kernel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"strideos/pkg/config"
	"strideos/pkg/loader"
	"strideos/pkg/logger"
	"strideos/pkg/mm"
	"strideos/pkg/task"
	"strideos/pkg/timer"
)

// Kernel errors.
var (
	ErrNoSuchChild     = errors.New("no such child")
	ErrChildRunning    = errors.New("child has not exited")
	ErrProgramNotFound = errors.New("program not found")
	ErrInvalidBreak    = errors.New("invalid program break")
	ErrBadFD           = errors.New("unsupported file descriptor")
	ErrAlreadyBooted   = errors.New("kernel already booted")
)

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(k *Kernel) {
		k.log = log
	}
}

// WithClock sets the clock behind get_time and task_info.
func WithClock(clock timer.Clock) Option {
	return func(k *Kernel) {
		k.clock = clock
	}
}

// WithLoader sets where exec and spawn look programs up.
func WithLoader(l loader.Loader) Option {
	return func(k *Kernel) {
		k.loader = l
	}
}

// WithSwitcher sets the context switch implementation.
func WithSwitcher(s task.Switcher) Option {
	return func(k *Kernel) {
		k.switcher = s
	}
}

// WithConsole sets where writes to standard output go.
func WithConsole(w io.Writer) Option {
	return func(k *Kernel) {
		k.console = w
	}
}

// Kernel is the process management core.
type Kernel struct {
	log      *slog.Logger
	clock    timer.Clock
	loader   loader.Loader
	switcher task.Switcher
	console  io.Writer

	mem      *mm.PhysMemory
	space    *mm.MemorySet
	res      *task.Resources
	manager  *task.Manager
	proc     *task.Processor
	initproc *task.TaskControlBlock

	halted   bool
	haltCode int
}

// New creates a kernel from cfg. Programs are looked up in cfg.AppsDir
// unless WithLoader is given.
func New(cfg *config.Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{}
	for _, opt := range opts {
		opt(k)
	}
	if k.log == nil {
		k.log = logger.Discard()
	}
	if k.clock == nil {
		k.clock = timer.NewSystemClock()
	}
	if k.switcher == nil {
		k.switcher = task.NewCPU()
	}
	if k.console == nil {
		k.console = os.Stdout
	}
	if k.loader == nil {
		apps := loader.NewRegistry()
		if cfg.AppsDir != "" {
			n, err := apps.LoadDir(cfg.AppsDir)
			if err != nil {
				return nil, fmt.Errorf("load apps: %w", err)
			}
			k.log.Info("apps loaded", "dir", cfg.AppsDir, "count", n)
		}
		k.loader = apps
	}

	mem, err := mm.NewPhysMemory(cfg.MemoryFrames)
	if err != nil {
		return nil, err
	}
	space, err := mm.NewKernel(mem)
	if err != nil {
		return nil, err
	}

	k.mem = mem
	k.space = space
	k.res = &task.Resources{
		Mem:             mem,
		PIDs:            task.NewPIDAllocator(),
		KernelStacks:    task.NewKernelStackAllocator(space, cfg.KernelStackSize),
		UserStackSize:   cfg.UserStackSize,
		TrapHandler:     cfg.TrapHandlerAddr,
		DefaultPriority: cfg.DefaultPriority,
	}
	k.manager = task.NewManager(cfg.BigStride)
	k.proc = task.NewProcessor(k.manager, k.switcher, k.clock)
	return k, nil
}

// Boot creates the initial process from the program called name and runs it.
func (k *Kernel) Boot(name string) error {
	if k.initproc != nil {
		return ErrAlreadyBooted
	}
	data, ok := k.loader.LookupByName(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}
	initproc, err := task.NewFromImage(k.res, data)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}

	k.initproc = initproc
	k.manager.Add(initproc.Retain())
	k.log.Info("boot", "init", name, "pid", initproc.Getpid())
	k.proc.RunNext()
	return nil
}

// current returns the running task. Issuing an operation with no task
// running is a kernel bug.
func (k *Kernel) current() *task.TaskControlBlock {
	cur := k.proc.Current()
	if cur == nil {
		panic("kernel: no task is running")
	}
	return cur
}

// Current returns the running task, or nil after a halt.
func (k *Kernel) Current() *task.TaskControlBlock {
	return k.proc.Current()
}

// InitProc returns the initial process.
func (k *Kernel) InitProc() *task.TaskControlBlock {
	return k.initproc
}

// Halted reports whether the kernel has stopped scheduling.
func (k *Kernel) Halted() bool {
	return k.halted
}

// HaltCode returns the exit code the kernel halted with.
func (k *Kernel) HaltCode() int {
	return k.haltCode
}

// ReadyLen returns the number of queued tasks.
func (k *Kernel) ReadyLen() int {
	return k.manager.Len()
}

// Mem returns the simulated physical memory.
func (k *Kernel) Mem() *mm.PhysMemory {
	return k.mem
}

// Logger returns the kernel logger.
func (k *Kernel) Logger() *slog.Logger {
	return k.log
}

// Getpid returns the PID of the running task.
func (k *Kernel) Getpid() int {
	return k.current().Getpid()
}

func (k *Kernel) halt(code int) {
	k.halted = true
	k.haltCode = code
	k.log.Info("halt", "code", code)
}
