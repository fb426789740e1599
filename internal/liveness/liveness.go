// Package liveness answers whether a process id on the local host still
// belongs to a running process.
//
// The answer is three-way. Unknown is returned whenever the platform probe
// is ambiguous and callers must treat it like Alive.
package liveness

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// State is the outcome of a liveness probe.
type State uint8

const (
	// Unknown means the probe could not decide.
	Unknown State = iota
	// Alive means a process with the pid exists.
	Alive
	// Dead means no process with the pid exists.
	Dead
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Probe inspects a local pid.
type Probe interface {
	Probe(pid int) State
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(pid int) State

// Probe implements Probe.
func (f ProbeFunc) Probe(pid int) State {
	return f(pid)
}

// System returns the probe for the running platform.
func System() Probe {
	return ProbeFunc(probe)
}

// Static returns a probe that always answers s.
func Static(s State) Probe {
	return ProbeFunc(func(int) State { return s })
}

// Process describes a local process for operator output.
type Process struct {
	PID       int
	Name      string
	Cmdline   string
	CreatedAt time.Time
}

// Describe looks up details for pid using the host process table.
func Describe(ctx context.Context, pid int) (Process, error) {
	if pid <= 0 {
		return Process{}, fmt.Errorf("liveness: invalid pid %d", pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Process{}, fmt.Errorf("liveness: describe pid %d: %w", pid, err)
	}
	info := Process{PID: pid}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		info.Cmdline = cmdline
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil && created > 0 {
		info.CreatedAt = time.UnixMilli(created).UTC()
	}
	return info, nil
}
