// Package clock provides an injectable time source so schedulers,
// sweeps, and expiry checks can be driven by a fake in tests.
package clock

import "time"

// Clock is the time surface the rest of DockMon depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real delegates to the wall clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
