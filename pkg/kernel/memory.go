package kernel

import (
	"encoding/binary"
	"fmt"

	"strideos/pkg/config"
	"strideos/pkg/mm"
	"strideos/pkg/task"
	"strideos/pkg/timer"
)

// Standard output, the only descriptor Write accepts.
const stdout = 1

// TaskInfo layout in user memory: status, one counter per syscall id, then
// the running time in milliseconds.
const (
	taskInfoTimesOff = 8
	taskInfoTimeOff  = taskInfoTimesOff + 4*config.MaxSyscallNum
	// TaskInfoSize is the size of the record TaskInfo writes.
	TaskInfoSize = taskInfoTimeOff + 8
	// TimeValSize is the size of the record GetTime writes.
	TimeValSize = 16
)

// Sbrk moves the program break of the running task by delta bytes and
// returns the old break.
func (k *Kernel) Sbrk(delta int64) (uint64, error) {
	cur := k.current()
	old, ok := cur.ChangeProgramBrk(delta)
	if !ok {
		return 0, fmt.Errorf("%w: delta %d", ErrInvalidBreak, delta)
	}
	return old, nil
}

// Mmap maps length bytes at start into the running task with the
// permissions in port.
func (k *Kernel) Mmap(start, length, port uint64) error {
	cur := k.current()
	var err error
	cur.Inner().With(func(in *task.TaskInner) {
		err = in.MemorySet.Mmap(mm.VirtAddr(start), length, port)
	})
	return err
}

// Munmap unmaps length bytes at start from the running task.
func (k *Kernel) Munmap(start, length uint64) error {
	cur := k.current()
	var err error
	cur.Inner().With(func(in *task.TaskInner) {
		err = in.MemorySet.Munmap(mm.VirtAddr(start), length)
	})
	return err
}

// Write copies length bytes at buf in the running task to the console.
func (k *Kernel) Write(fd int, buf, length uint64) (int, error) {
	if fd != stdout {
		return -1, fmt.Errorf("%w: %d", ErrBadFD, fd)
	}
	cur := k.current()
	data := make([]byte, length)
	if err := mm.ReadUser(k.mem, cur.Token(), mm.VirtAddr(buf), data); err != nil {
		return -1, err
	}
	n, err := k.console.Write(data)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// GetTime stores {sec, usec} of the kernel clock at ptr in the running task.
// Each field is translated on its own, so the record may straddle pages.
func (k *Kernel) GetTime(ptr uint64) error {
	cur := k.current()
	token := cur.Token()
	sec, usec := timer.Split(k.clock.NowMicros())

	if err := mm.WriteUint64(k.mem, token, mm.VirtAddr(ptr), sec); err != nil {
		return err
	}
	return mm.WriteUint64(k.mem, token, mm.VirtAddr(ptr+8), usec)
}

// TaskInfo stores the status, the syscall counters and the milliseconds
// since the running task was first scheduled at ptr in its address space.
func (k *Kernel) TaskInfo(ptr uint64) error {
	cur := k.current()

	var (
		status  task.TaskStatus
		counts  [config.MaxSyscallNum]uint32
		started uint64
		token   uint64
	)
	cur.Inner().With(func(in *task.TaskInner) {
		status = in.Status
		for id, n := range in.SyscallTimes {
			if id < config.MaxSyscallNum {
				counts[id] = n
			}
		}
		started = in.StartTime
		token = in.Token()
	})
	elapsed := timer.Millis(k.clock.NowMicros() - started)

	if err := mm.WriteUint64(k.mem, token, mm.VirtAddr(ptr), uint64(status)); err != nil {
		return err
	}
	times := make([]byte, 4*config.MaxSyscallNum)
	for i, n := range counts {
		binary.LittleEndian.PutUint32(times[4*i:], n)
	}
	if err := mm.WriteUser(k.mem, token, mm.VirtAddr(ptr+taskInfoTimesOff), times); err != nil {
		return err
	}
	return mm.WriteUint64(k.mem, token, mm.VirtAddr(ptr+taskInfoTimeOff), elapsed)
}
