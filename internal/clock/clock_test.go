package clock_test

import (
	"testing"
	"time"

	"pkt.systems/dslock/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealMonotonicIsNonDecreasing(t *testing.T) {
	t.Parallel()

	c := clock.Real{}
	first := c.Monotonic()
	c.Sleep(2 * time.Millisecond)
	second := c.Monotonic()
	if second-first < 2*time.Millisecond {
		t.Fatalf("monotonic advanced %v, want >= 2ms", second-first)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := clock.NewManual(start)
	early := m.After(time.Second)
	late := m.After(time.Minute)
	if got := m.Pending(); got != 2 {
		t.Fatalf("pending=%d want 2", got)
	}

	m.Advance(2 * time.Second)
	select {
	case fired := <-early:
		if !fired.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("early fired at %v", fired)
		}
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}
	if got := m.Monotonic(); got != 2*time.Second {
		t.Fatalf("monotonic=%v want 2s", got)
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("pending=%d want 1", got)
	}
}

func TestSteppingSleepAdvancesAndRecords(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := clock.NewStepping(start)
	var stepped []time.Duration
	s.OnStep(func(d time.Duration) { stepped = append(stepped, d) })

	s.Sleep(100 * time.Millisecond)
	<-s.After(time.Second)

	if got := s.Now(); !got.Equal(start.Add(1100 * time.Millisecond)) {
		t.Fatalf("now=%v", got)
	}
	if got := s.Monotonic(); got != 1100*time.Millisecond {
		t.Fatalf("monotonic=%v", got)
	}
	sleeps := s.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 100*time.Millisecond || sleeps[1] != time.Second {
		t.Fatalf("sleeps=%v", sleeps)
	}
	if len(stepped) != 2 {
		t.Fatalf("onStep calls=%d want 2", len(stepped))
	}
}
