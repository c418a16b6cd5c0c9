// Package clock provides the wall, monotonic and boot-time clocks the engine
// reads when it stamps and measures update attempts.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source collaborator.
type Clock interface {
	// Now is wall-clock time.
	Now() time.Time
	// Monotonic is time since an arbitrary fixed point that does not include
	// suspend and never goes backwards within a boot.
	Monotonic() time.Duration
	// BootTime is time since boot including suspend.
	BootTime() time.Duration
}

// System reads the host clocks.
type System struct{}

var _ Clock = System{}

func (System) Now() time.Time {
	return time.Now()
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu        sync.Mutex
	now       time.Time
	monotonic time.Duration
	boot      time.Duration
}

var _ Clock = (*Fake)(nil)

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Monotonic() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monotonic
}

func (f *Fake) BootTime() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boot
}

// Advance moves every clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.monotonic += d
	f.boot += d
}

// SetMonotonic sets the monotonic reading, which may move it backwards to
// simulate a reboot.
func (f *Fake) SetMonotonic(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monotonic = d
}

func (f *Fake) SetBootTime(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boot = d
}
