package kernel

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"strideos/pkg/config"
	"strideos/pkg/loader"
	"strideos/pkg/mm"
	"strideos/pkg/task"
	"strideos/pkg/timer"
	"strideos/pkg/trap"
)

// Two pages of image so that records can be placed across a page boundary.
var (
	initImage   = make([]byte, mm.PageSize+16)
	workerImage = []byte{0x13, 0x00, 0x00, 0x00}
)

type testKernel struct {
	*Kernel
	clock   *timer.ManualClock
	console *bytes.Buffer
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()
	apps := loader.NewRegistry()
	apps.Add("initproc", initImage)
	apps.Add("worker", workerImage)

	clock := timer.NewManualClock(1000)
	console := &bytes.Buffer{}
	k, err := New(config.Default(), WithLoader(apps), WithClock(clock), WithConsole(console))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := k.Boot("initproc"); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	return &testKernel{Kernel: k, clock: clock, console: console}
}

func (k *testKernel) readInt32(t *testing.T, va uint64) int32 {
	t.Helper()
	v, err := mm.ReadInt32(k.Mem(), k.Current().Token(), mm.VirtAddr(va))
	if err != nil {
		t.Fatalf("ReadInt32(%#x) error = %v", va, err)
	}
	return v
}

func (k *testKernel) readUint64(t *testing.T, va uint64) uint64 {
	t.Helper()
	v, err := mm.ReadUint64(k.Mem(), k.Current().Token(), mm.VirtAddr(va))
	if err != nil {
		t.Fatalf("ReadUint64(%#x) error = %v", va, err)
	}
	return v
}

func (k *testKernel) writeInt32(t *testing.T, va uint64, v int32) {
	t.Helper()
	if err := mm.WriteInt32(k.Mem(), k.Current().Token(), mm.VirtAddr(va), v); err != nil {
		t.Fatalf("WriteInt32(%#x) error = %v", va, err)
	}
}

func inner(tcb *task.TaskControlBlock) task.TaskInner {
	var snapshot task.TaskInner
	tcb.Inner().With(func(in *task.TaskInner) { snapshot = *in })
	return snapshot
}

const slot = mm.UserBase + 64

// TestBoot tests that the initial process is running after boot.
func TestBoot(t *testing.T) {
	k := newTestKernel(t)

	if k.Getpid() != 0 {
		t.Errorf("Getpid() = %d, want 0", k.Getpid())
	}
	if k.Current() != k.InitProc() {
		t.Error("Current() should be the initial process")
	}
	if k.Current().Status() != task.Running {
		t.Errorf("Status() = %s, want running", k.Current().Status())
	}
	if k.ReadyLen() != 0 {
		t.Errorf("ReadyLen() = %d, want 0", k.ReadyLen())
	}
	if in := inner(k.Current()); in.StartTime != 1000 {
		t.Errorf("StartTime = %d, want 1000", in.StartTime)
	}
	if err := k.Boot("initproc"); !errors.Is(err, ErrAlreadyBooted) {
		t.Errorf("second Boot() error = %v, want ErrAlreadyBooted", err)
	}
}

// TestBootMissingProgram tests boot with an unknown program.
func TestBootMissingProgram(t *testing.T) {
	k, err := New(config.Default(), WithLoader(loader.NewRegistry()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := k.Boot("initproc"); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("Boot() error = %v, want ErrProgramNotFound", err)
	}
}

// TestNewRejectsInvalidConfig tests config validation at construction.
func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultPriority = 1
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("New() error = %v, want ErrInvalidConfig", err)
	}
}

// TestWaitPIDNoChildren tests waitpid without children.
func TestWaitPIDNoChildren(t *testing.T) {
	k := newTestKernel(t)
	k.writeInt32(t, slot, 0x55)

	got, err := k.WaitPID(-1, slot)
	if got != -1 || !errors.Is(err, ErrNoSuchChild) {
		t.Errorf("WaitPID(-1) = %d, %v, want -1, ErrNoSuchChild", got, err)
	}
	if v := k.readInt32(t, slot); v != 0x55 {
		t.Errorf("slot = %#x, want untouched 0x55", v)
	}
}

// TestWaitPIDRunningChild tests waitpid on a child that has not exited.
func TestWaitPIDRunningChild(t *testing.T) {
	k := newTestKernel(t)
	pid, err := k.Spawn("worker")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	tests := []struct {
		name    string
		pid     int
		want    int
		wantErr error
	}{
		{"matching child", pid, -2, ErrChildRunning},
		{"any child", -1, -2, ErrChildRunning},
		{"unknown pid", pid + 100, -1, ErrNoSuchChild},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := k.WaitPID(tt.pid, slot)
			if got != tt.want || !errors.Is(err, tt.wantErr) {
				t.Errorf("WaitPID(%d) = %d, %v, want %d, %v", tt.pid, got, err, tt.want, tt.wantErr)
			}
		})
	}
}

// TestForkWaitExit tests the fork, exit and reap cycle.
func TestForkWaitExit(t *testing.T) {
	k := newTestKernel(t)
	parent := k.Current()

	childPid, err := k.Fork()
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	if childPid == parent.Getpid() {
		t.Fatalf("Fork() returned the parent PID %d", childPid)
	}
	if got, err := k.WaitPID(childPid, slot); got != -2 || !errors.Is(err, ErrChildRunning) {
		t.Fatalf("WaitPID() before exit = %d, %v, want -2, ErrChildRunning", got, err)
	}

	// Equal strides: the child was queued first.
	k.Yield()
	child := k.Current()
	if child.Getpid() != childPid {
		t.Fatalf("Current() = pid %d after yield, want %d", child.Getpid(), childPid)
	}
	if a0 := child.TrapContext().X[trap.RegA0]; a0 != 0 {
		t.Errorf("child a0 = %d, want 0", a0)
	}
	if child.Parent() != parent {
		t.Error("child.Parent() should be the forking task")
	}

	k.Exit(7)
	if k.Current() != parent {
		t.Fatalf("Current() = %v after child exit, want the parent", k.Current())
	}
	got, err := k.WaitPID(childPid, slot)
	if err != nil || got != childPid {
		t.Fatalf("WaitPID() = %d, %v, want %d, nil", got, err, childPid)
	}
	if v := k.readInt32(t, slot); v != 7 {
		t.Errorf("slot = %d, want 7", v)
	}
	if got, err := k.WaitPID(childPid, slot); got != -1 || !errors.Is(err, ErrNoSuchChild) {
		t.Errorf("second WaitPID() = %d, %v, want -1, ErrNoSuchChild", got, err)
	}
	if live := k.res.PIDs.Live(); live != 1 {
		t.Errorf("live PIDs = %d, want 1", live)
	}
	if live := k.res.KernelStacks.Live(); live != 1 {
		t.Errorf("live kernel stacks = %d, want 1", live)
	}
}

// TestReapWithExtraReferencePanics tests the single-owner check on reap.
func TestReapWithExtraReferencePanics(t *testing.T) {
	k := newTestKernel(t)
	childPid, err := k.Fork()
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	inner(k.Current()).Children[0].Retain()

	k.Yield()
	k.Exit(0)

	defer func() {
		if recover() == nil {
			t.Error("WaitPID() should panic when the zombie is still shared")
		}
	}()
	k.WaitPID(childPid, slot)
}

// TestExitReparentsToInit tests that orphans are adopted by the initial
// process and stay reapable.
func TestExitReparentsToInit(t *testing.T) {
	k := newTestKernel(t)
	init := k.InitProc()

	midPid, err := k.Fork()
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	k.Yield()
	if k.Getpid() != midPid {
		t.Fatalf("Getpid() = %d, want %d", k.Getpid(), midPid)
	}
	leafPid, err := k.Fork()
	if err != nil {
		t.Fatalf("Fork() error = %v", err)
	}
	k.Exit(3)

	if k.Current() != init {
		t.Fatalf("Current() = pid %d, want the initial process", k.Getpid())
	}
	children := inner(init).Children
	if len(children) != 2 {
		t.Fatalf("init has %d children, want 2", len(children))
	}
	leaf := children[1]
	if leaf.Getpid() != leafPid || leaf.Parent() != init {
		t.Errorf("leaf pid %d parent %v, want pid %d adopted by init", leaf.Getpid(), leaf.Parent(), leafPid)
	}

	if got, err := k.WaitPID(-1, slot); err != nil || got != midPid {
		t.Fatalf("WaitPID(-1) = %d, %v, want %d, nil", got, err, midPid)
	}
	if v := k.readInt32(t, slot); v != 3 {
		t.Errorf("slot = %d, want 3", v)
	}
	if got, err := k.WaitPID(leafPid, slot); got != -2 || !errors.Is(err, ErrChildRunning) {
		t.Errorf("WaitPID(leaf) = %d, %v, want -2, ErrChildRunning", got, err)
	}
}

// TestInitExitHalts tests that the kernel halts with the initial process.
func TestInitExitHalts(t *testing.T) {
	k := newTestKernel(t)
	if _, err := k.Spawn("worker"); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	orphan := inner(k.Current()).Children[0]

	k.Exit(42)
	if !k.Halted() || k.HaltCode() != 42 {
		t.Errorf("Halted(), HaltCode() = %v, %d, want true, 42", k.Halted(), k.HaltCode())
	}
	if k.Current() != nil {
		t.Error("Current() should be nil after a halt")
	}
	if orphan.Parent() != nil {
		t.Error("orphan.Parent() should be cleared")
	}
	if k.InitProc().Status() != task.Zombie {
		t.Errorf("init status = %s, want zombie", k.InitProc().Status())
	}
}

// TestExecAndSpawnNotFound tests that unknown programs change nothing.
func TestExecAndSpawnNotFound(t *testing.T) {
	k := newTestKernel(t)
	token := k.Current().Token()

	if err := k.Exec("missing"); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("Exec() error = %v, want ErrProgramNotFound", err)
	}
	if k.Current().Token() != token {
		t.Error("Exec() of a missing program replaced the address space")
	}
	if _, err := k.Spawn("missing"); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("Spawn() error = %v, want ErrProgramNotFound", err)
	}
	if n := len(inner(k.Current()).Children); n != 0 {
		t.Errorf("children = %d, want 0", n)
	}
	if k.ReadyLen() != 0 {
		t.Errorf("ReadyLen() = %d, want 0", k.ReadyLen())
	}
}

// TestExecKeepsIdentity tests exec of a known program.
func TestExecKeepsIdentity(t *testing.T) {
	k := newTestKernel(t)
	childPid, _ := k.Spawn("worker")
	pid := k.Getpid()

	if err := k.Exec("worker"); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if k.Getpid() != pid {
		t.Errorf("Getpid() = %d, want %d", k.Getpid(), pid)
	}
	in := inner(k.Current())
	if len(in.Children) != 1 || in.Children[0].Getpid() != childPid {
		t.Errorf("children changed by exec")
	}
	if cx := k.Current().TrapContext(); cx.Sepc != mm.UserBase {
		t.Errorf("Sepc = %#x, want %#x", cx.Sepc, mm.UserBase)
	}
}

// TestSpawnedChild tests the initial state of a spawned task.
func TestSpawnedChild(t *testing.T) {
	k := newTestKernel(t)
	k.SetPriority(4)

	pid, err := k.Spawn("worker")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	child := inner(k.Current()).Children[0]
	in := inner(child)
	if child.Getpid() != pid || child.Parent() != k.Current() {
		t.Errorf("child pid %d, want %d with the caller as parent", child.Getpid(), pid)
	}
	if in.Status != task.Ready || in.Priority != config.DefaultPriority || in.Stride != 0 {
		t.Errorf("child status %s priority %d stride %d, want ready 16 0", in.Status, in.Priority, in.Stride)
	}
	if k.ReadyLen() != 1 {
		t.Errorf("ReadyLen() = %d, want 1", k.ReadyLen())
	}
}

// TestSetPriority tests priority validation and its effect on strides.
func TestSetPriority(t *testing.T) {
	k := newTestKernel(t)

	if got, err := k.SetPriority(1); got != -1 || !errors.Is(err, task.ErrInvalidPriority) {
		t.Errorf("SetPriority(1) = %d, %v, want -1, ErrInvalidPriority", got, err)
	}
	if p := inner(k.Current()).Priority; p != config.DefaultPriority {
		t.Errorf("Priority = %d after failed call, want %d", p, config.DefaultPriority)
	}
	if got, err := k.SetPriority(16); got != 16 || err != nil {
		t.Errorf("SetPriority(16) = %d, %v, want 16, nil", got, err)
	}

	if _, err := k.SetPriority(32); err != nil {
		t.Fatalf("SetPriority(32) error = %v", err)
	}
	before := inner(k.Current()).Stride
	k.Yield()
	if got, want := inner(k.Current()).Stride-before, uint64(config.DefaultBigStride/32); got != want {
		t.Errorf("stride advanced by %d, want %d", got, want)
	}
}

// TestSbrk tests heap growth through the kernel.
func TestSbrk(t *testing.T) {
	k := newTestKernel(t)
	bottom := inner(k.Current()).HeapBottom

	old, err := k.Sbrk(mm.PageSize)
	if err != nil || old != bottom {
		t.Fatalf("Sbrk(+page) = %#x, %v, want %#x, nil", old, err, bottom)
	}
	k.writeInt32(t, bottom+16, 9)
	old, err = k.Sbrk(-mm.PageSize)
	if err != nil || old != bottom+mm.PageSize {
		t.Fatalf("Sbrk(-page) = %#x, %v, want %#x, nil", old, err, bottom+mm.PageSize)
	}
	if _, err := k.Sbrk(-1); !errors.Is(err, ErrInvalidBreak) {
		t.Errorf("Sbrk(-1) error = %v, want ErrInvalidBreak", err)
	}
}

// TestMmapMunmap tests mapping anonymous memory into the running task.
func TestMmapMunmap(t *testing.T) {
	k := newTestKernel(t)
	const base = 0x1000_0000

	if err := k.Mmap(base, mm.PageSize, 0x3); err != nil {
		t.Fatalf("Mmap() error = %v", err)
	}
	k.writeInt32(t, base, 11)
	if err := k.Mmap(base, mm.PageSize, 0x3); !errors.Is(err, mm.ErrOverlap) {
		t.Errorf("second Mmap() error = %v, want ErrOverlap", err)
	}
	if err := k.Mmap(base+1, mm.PageSize, 0x3); !errors.Is(err, mm.ErrMisaligned) {
		t.Errorf("Mmap(misaligned) error = %v, want ErrMisaligned", err)
	}
	if err := k.Munmap(base, mm.PageSize); err != nil {
		t.Fatalf("Munmap() error = %v", err)
	}
	if _, err := mm.ReadInt32(k.Mem(), k.Current().Token(), base); err == nil {
		t.Error("read after Munmap() should fail")
	}
}

// TestWrite tests console output from user memory.
func TestWrite(t *testing.T) {
	k := newTestKernel(t)
	msg := []byte("hello, world\n")
	if err := mm.WriteUser(k.Mem(), k.Current().Token(), mm.VirtAddr(mm.UserBase+mm.PageSize-4), msg); err != nil {
		t.Fatalf("WriteUser() error = %v", err)
	}

	n, err := k.Write(1, mm.UserBase+mm.PageSize-4, uint64(len(msg)))
	if err != nil || n != len(msg) {
		t.Fatalf("Write() = %d, %v, want %d, nil", n, err, len(msg))
	}
	if got := k.console.String(); got != string(msg) {
		t.Errorf("console = %q, want %q", got, msg)
	}
	if _, err := k.Write(2, mm.UserBase, 1); !errors.Is(err, ErrBadFD) {
		t.Errorf("Write(2) error = %v, want ErrBadFD", err)
	}
}

// TestGetTimeStraddlesPage tests a time record split over two pages.
func TestGetTimeStraddlesPage(t *testing.T) {
	k := newTestKernel(t)
	k.clock.Set(3_000_250)
	ptr := mm.UserBase + mm.PageSize - 8

	if err := k.GetTime(ptr); err != nil {
		t.Fatalf("GetTime() error = %v", err)
	}
	if sec := k.readUint64(t, ptr); sec != 3 {
		t.Errorf("sec = %d, want 3", sec)
	}
	if usec := k.readUint64(t, ptr+8); usec != 250 {
		t.Errorf("usec = %d, want 250", usec)
	}
	if err := k.GetTime(0x7000_0000); !errors.Is(err, mm.ErrUnmapped) {
		t.Errorf("GetTime(unmapped) error = %v, want ErrUnmapped", err)
	}
}

// TestTaskInfo tests the task statistics record.
func TestTaskInfo(t *testing.T) {
	k := newTestKernel(t)
	cur := k.Current()
	cur.IncSyscall(169)
	cur.IncSyscall(169)
	cur.IncSyscall(64)
	k.clock.Advance(25 * time.Millisecond)

	ptr := mm.UserBase + 128
	if err := k.TaskInfo(ptr); err != nil {
		t.Fatalf("TaskInfo() error = %v", err)
	}
	if status := k.readUint64(t, ptr); status != uint64(task.Running) {
		t.Errorf("status = %d, want %d", status, task.Running)
	}
	counter := func(id uint64) int32 {
		return k.readInt32(t, ptr+taskInfoTimesOff+4*id)
	}
	if counter(169) != 2 || counter(64) != 1 || counter(93) != 0 {
		t.Errorf("counters 169, 64, 93 = %d, %d, %d, want 2, 1, 0", counter(169), counter(64), counter(93))
	}
	if ms := k.readUint64(t, ptr+taskInfoTimeOff); ms != 25 {
		t.Errorf("time = %d ms, want 25", ms)
	}
}
