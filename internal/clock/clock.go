// Package clock abstracts wall and monotonic time so lock acquisition timing
// can be driven deterministically in tests.
package clock

import "time"

// Clock abstracts time-related functions for easier testing.
//
// Now is used for values that are persisted (acquisition and expiry stamps).
// Monotonic is used for measuring budgets: only differences between two
// readings are meaningful and they are immune to wall clock steps.
type Clock interface {
	Now() time.Time
	Monotonic() time.Duration
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// origin carries the monotonic reading all Real.Monotonic values are relative to.
var origin = time.Now()

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Monotonic returns the process-relative monotonic reading.
func (Real) Monotonic() time.Duration {
	return time.Since(origin)
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}
