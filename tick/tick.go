// Package tick supplies the clock abstraction used by every time-dependent
// component (session timeouts, lock expiry, rolling metric windows, idle
// deadlines). Production code uses System; tests use Virtual to step time
// deterministically instead of sleeping.
package tick

import (
	"context"
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// System reads the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Virtual is a manually stepped clock for tests. The zero value is not
// usable; construct with NewVirtual.
type Virtual struct {
	mu  sync.Mutex
	now time.Time
}

// NewVirtual returns a Virtual clock frozen at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Advance moves the clock forward by d. Negative d panics: time never
// runs backwards in any component that consumes a Clock.
func (v *Virtual) Advance(d time.Duration) {
	if d < 0 {
		panic("tick: Advance with negative duration")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = v.now.Add(d)
}

// Set jumps the clock to t. Panics if t is before the current time.
func (v *Virtual) Set(t time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t.Before(v.now) {
		panic("tick: Set before current time")
	}
	v.now = t
}

// Sleep blocks for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted, nil when the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
