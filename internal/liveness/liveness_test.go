package liveness_test

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"pkt.systems/dslock/internal/liveness"
)

func TestSystemProbeSeesSelf(t *testing.T) {
	t.Parallel()

	if got := liveness.System().Probe(os.Getpid()); got != liveness.Alive {
		t.Fatalf("probe(self)=%s want alive", got)
	}
}

func TestSystemProbeInvalidPidIsUnknown(t *testing.T) {
	t.Parallel()

	for _, pid := range []int{0, -1} {
		if got := liveness.System().Probe(pid); got != liveness.Unknown {
			t.Fatalf("probe(%d)=%s want unknown", pid, got)
		}
	}
}

func TestSystemProbeReapedChildIsDead(t *testing.T) {
	t.Parallel()

	exe, err := os.Executable()
	if err != nil {
		t.Skipf("executable: %v", err)
	}
	cmd := exec.Command(exe, "-test.run=^$")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run child: %v", err)
	}
	pid := cmd.Process.Pid
	if got := liveness.System().Probe(pid); got != liveness.Dead {
		t.Skipf("pid %d reported %s (possibly reused)", pid, got)
	}
}

func TestStaticAndFuncProbes(t *testing.T) {
	t.Parallel()

	if got := liveness.Static(liveness.Dead).Probe(1); got != liveness.Dead {
		t.Fatalf("static=%s", got)
	}
	var seen int
	p := liveness.ProbeFunc(func(pid int) liveness.State {
		seen = pid
		return liveness.Unknown
	})
	if got := p.Probe(77); got != liveness.Unknown || seen != 77 {
		t.Fatalf("func probe got %s seen %d", got, seen)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	cases := map[liveness.State]string{
		liveness.Alive:   "alive",
		liveness.Dead:    "dead",
		liveness.Unknown: "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("%d.String()=%q want %q", state, got, want)
		}
	}
}

func TestDescribeSelf(t *testing.T) {
	t.Parallel()

	info, err := liveness.Describe(context.Background(), os.Getpid())
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Fatalf("pid=%d", info.PID)
	}
	if info.Name == "" {
		t.Fatal("expected process name")
	}
}

func TestDescribeRejectsInvalidPid(t *testing.T) {
	t.Parallel()

	if _, err := liveness.Describe(context.Background(), 0); err == nil {
		t.Fatal("expected error")
	}
}
