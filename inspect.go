package dslock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"pkt.systems/dslock/internal/liveness"
	"pkt.systems/dslock/internal/record"
	"pkt.systems/dslock/internal/stale"
)

// Status is a point-in-time view of a lock file.
type Status struct {
	Dataset string `json:"dataset" yaml:"dataset"`
	Path    string `json:"path" yaml:"path"`
	// Present is false when no lock file exists.
	Present bool `json:"present" yaml:"present"`
	// Malformed is set when the file exists but violates the record schema.
	Malformed bool   `json:"malformed,omitempty" yaml:"malformed,omitempty"`
	Problem   string `json:"problem,omitempty" yaml:"problem,omitempty"`

	PID        int       `json:"pid,omitempty" yaml:"pid,omitempty"`
	Hostname   string    `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	WriterID   string    `json:"writer_id,omitempty" yaml:"writer_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitzero" yaml:"acquired_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitzero" yaml:"expires_at,omitempty"`

	Stale  bool   `json:"stale" yaml:"stale"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
	// Process describes the holder when it runs on this host and is found.
	Process *ProcessInfo `json:"process,omitempty" yaml:"process,omitempty"`
	// Recovered is set by Recover when the stale record was removed.
	Recovered bool `json:"recovered,omitempty" yaml:"recovered,omitempty"`

	verdict stale.Verdict
}

// ProcessInfo describes a local holder process.
type ProcessInfo struct {
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Cmdline   string    `json:"cmdline,omitempty" yaml:"cmdline,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero" yaml:"started_at,omitempty"`
}

// Err returns ErrMalformedRecord for malformed lock files and nil otherwise.
func (s Status) Err() error {
	if s.Malformed {
		return fmt.Errorf("%w: %s: %s", ErrMalformedRecord, s.Path, s.Problem)
	}
	return nil
}

// Held reports whether a live holder owns the lock.
func (s Status) Held() bool {
	return s.Present && !s.Stale
}

// Verdict renders the staleness decision, e.g. "stale (expired: ...)".
func (s Status) Verdict() string {
	if !s.Present {
		return "free"
	}
	return s.verdict.String()
}

// Inspect reports the state of the lock file for dataset without changing
// anything on disk.
func Inspect(dir, dataset string, opts ...Option) (Status, error) {
	opts = append(opts, WithoutMetrics(), withoutMkdir())
	l, err := New(dir, dataset, opts...)
	if err != nil {
		return Status{}, err
	}
	return l.Inspect(context.Background())
}

// Inspect reports the state of this Locker's lock file.
func (l *Locker) Inspect(ctx context.Context) (Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := record.Read(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Status{Dataset: l.dataset, Path: l.path}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("dslock: inspect %s: %w", l.path, err)
	}
	return l.statusFrom(ctx, res), nil
}

func (l *Locker) statusFrom(ctx context.Context, res record.Result) Status {
	verdict := l.oracle.Classify(res)
	st := Status{
		Dataset: l.dataset,
		Path:    l.path,
		Present: true,
		Stale:   verdict.Stale,
		Reason:  string(verdict.Reason),
		Detail:  verdict.Detail,
		verdict: verdict,
	}
	if !res.Valid() {
		st.Malformed = true
		st.Problem = res.Problem
		return st
	}
	rec := res.Record
	st.PID = rec.PID
	st.Hostname = rec.Hostname
	st.WriterID = rec.WriterID
	st.AcquiredAt = rec.AcquiredAt
	st.ExpiresAt = rec.ExpiresAt
	if rec.Hostname == l.hostname && verdict.Reason != stale.ReasonHolderDead {
		if proc, err := liveness.Describe(ctx, rec.PID); err == nil {
			st.Process = &ProcessInfo{Name: proc.Name, Cmdline: proc.Cmdline, StartedAt: proc.CreatedAt}
		}
	}
	return st
}
