package clock

import (
	"sync"
	"time"
)

// Stepping is a test clock whose Sleep and After advance time immediately
// instead of blocking. It records every requested delay, which makes retry
// loops observable without real sleeping.
type Stepping struct {
	mu     sync.Mutex
	start  time.Time
	now    time.Time
	sleeps []time.Duration
	onStep func(time.Duration)
}

// NewStepping constructs a Stepping clock starting at start.
func NewStepping(start time.Time) *Stepping {
	start = start.UTC()
	return &Stepping{start: start, now: start}
}

// OnStep registers fn to run (outside the clock's lock) after every Sleep.
func (s *Stepping) OnStep(fn func(time.Duration)) {
	s.mu.Lock()
	s.onStep = fn
	s.mu.Unlock()
}

// Now returns the current stepped time.
func (s *Stepping) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Monotonic returns how far the clock has stepped since construction.
func (s *Stepping) Monotonic() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now.Sub(s.start)
}

// After advances the clock by d and returns an already-fired channel.
func (s *Stepping) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	s.Sleep(d)
	ch <- s.Now()
	return ch
}

// Sleep advances the clock by d without blocking.
func (s *Stepping) Sleep(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.sleeps = append(s.sleeps, d)
	fn := s.onStep
	s.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// Advance moves the clock forward without recording a sleep.
func (s *Stepping) Advance(d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.now = s.now.Add(d)
	}
	return s.now
}

// Sleeps returns a copy of the recorded sleep durations.
func (s *Stepping) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.sleeps))
	copy(out, s.sleeps)
	return out
}
