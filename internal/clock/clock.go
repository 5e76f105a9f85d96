// Package clock provides injectable time sources so components that
// depend on wall time or sleeping can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for a duration.
type Sleeper interface {
	Sleep(d time.Duration)
}

// System is the real wall clock.
type System struct{}

func (System) Now() time.Time          { return time.Now() }
func (System) Sleep(d time.Duration)   { time.Sleep(d) }

// Fake is a manually advanced clock for tests. Sleep advances the clock
// instead of blocking.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Sleep advances the clock without blocking.
func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}
