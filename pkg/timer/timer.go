// Package timer provides the clock the kernel reads time from.
package timer

import (
	"sync"
	"time"
)

const (
	// MicrosPerSec is the number of microseconds in a second.
	MicrosPerSec = 1_000_000
	// MicrosPerMilli is the number of microseconds in a millisecond.
	MicrosPerMilli = 1_000
)

// Clock reports the time since boot.
type Clock interface {
	// NowMicros returns microseconds elapsed since boot.
	NowMicros() uint64
}

// SystemClock reads the host monotonic clock.
type SystemClock struct {
	boot time.Time
}

// NewSystemClock creates a clock whose zero is now.
func NewSystemClock() *SystemClock {
	return &SystemClock{boot: time.Now()}
}

// NowMicros returns microseconds elapsed since the clock was created.
func (c *SystemClock) NowMicros() uint64 {
	return uint64(time.Since(c.boot).Microseconds())
}

// ManualClock only moves when told to.
type ManualClock struct {
	// mu protects now.
	mu  sync.Mutex
	now uint64
}

// NewManualClock creates a clock starting at start microseconds.
func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{now: start}
}

// NowMicros returns the current reading.
func (c *ManualClock) NowMicros() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += uint64(d.Microseconds())
}

// Set moves the clock to us microseconds.
func (c *ManualClock) Set(us uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = us
}

// Split returns the seconds and remaining microseconds of us.
func Split(us uint64) (sec, usec uint64) {
	return us / MicrosPerSec, us % MicrosPerSec
}

// Millis converts microseconds to milliseconds.
func Millis(us uint64) uint64 {
	return us / MicrosPerMilli
}
