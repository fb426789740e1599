// Package backoff implements the escalating retry schedule used between lock
// acquisition attempts.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultSteps is the escalating delay schedule. Attempts past the end hold
// at the last step.
var DefaultSteps = []time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
}

// Policy is an immutable retry policy. The zero value uses DefaultSteps with
// no jitter.
type Policy struct {
	steps  []time.Duration
	jitter float64
	rnd    func() float64
}

// Option customises a Policy.
type Option func(*Policy)

// WithJitter adds up to fraction*step of random delay on top of each step.
// Values outside (0, 1] disable jitter.
func WithJitter(fraction float64) Option {
	return func(p *Policy) {
		if fraction <= 0 || fraction > 1 {
			fraction = 0
		}
		p.jitter = fraction
	}
}

// WithRand overrides the random source used for jitter; fn must return values
// in [0, 1).
func WithRand(fn func() float64) Option {
	return func(p *Policy) {
		if fn != nil {
			p.rnd = fn
		}
	}
}

var randMu sync.Mutex

var randSrc = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))

func defaultRand() float64 {
	randMu.Lock()
	defer randMu.Unlock()
	return randSrc.Float64()
}

// New returns a Policy for steps. Non-positive steps are dropped; an empty
// schedule falls back to DefaultSteps.
func New(steps []time.Duration, opts ...Option) Policy {
	filtered := make([]time.Duration, 0, len(steps))
	for _, step := range steps {
		if step > 0 {
			filtered = append(filtered, step)
		}
	}
	if len(filtered) == 0 {
		filtered = append(filtered, DefaultSteps...)
	}
	p := Policy{steps: filtered, rnd: defaultRand}
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	return p
}

// Steps returns a copy of the schedule.
func (p Policy) Steps() []time.Duration {
	steps := p.steps
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	out := make([]time.Duration, len(steps))
	copy(out, steps)
	return out
}

// Delay returns the un-jittered delay for the zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	steps := p.steps
	if len(steps) == 0 {
		steps = DefaultSteps
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(steps) {
		return steps[len(steps)-1]
	}
	return steps[attempt]
}

// Start returns a fresh iterator over the policy.
func (p Policy) Start() *Backoff {
	return &Backoff{policy: p}
}

// Backoff walks a Policy. It is not safe for concurrent use.
type Backoff struct {
	policy  Policy
	attempt int
}

// Next returns the delay for the next slot, capped to limit when limit is
// positive, and consumes the slot.
func (b *Backoff) Next(limit time.Duration) time.Duration {
	sleep := b.policy.Delay(b.attempt)
	b.attempt++
	if j := b.policy.jitter; j > 0 {
		rnd := b.policy.rnd
		if rnd == nil {
			rnd = defaultRand
		}
		sleep += time.Duration(float64(sleep) * j * rnd())
	}
	if limit > 0 && sleep > limit {
		sleep = limit
	}
	return sleep
}

// Attempts reports how many slots have been consumed.
func (b *Backoff) Attempts() int {
	return b.attempt
}
