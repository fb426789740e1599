package dslock_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"pkt.systems/dslock"
	"pkt.systems/dslock/internal/liveness"
	"pkt.systems/dslock/internal/record"
)

func TestInspectStates(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	cases := []struct {
		name    string
		write   func(t *testing.T, path string)
		present bool
		stale   bool
		reason  string
	}{
		{
			name:    "free",
			write:   func(*testing.T, string) {},
			present: false,
		},
		{
			name: "foreign live",
			write: func(t *testing.T, path string) {
				writeRecord(t, path, foreignRecord(now, time.Hour))
			},
			present: true,
			reason:  "foreign_host",
		},
		{
			name: "expired",
			write: func(t *testing.T, path string) {
				writeRecord(t, path, foreignRecord(now.Add(-2*time.Hour), time.Hour))
			},
			present: true,
			stale:   true,
			reason:  "expired",
		},
		{
			name: "local holder alive",
			write: func(t *testing.T, path string) {
				writeRecord(t, path, record.Record{
					PID:        os.Getpid(),
					Hostname:   "ingest-01",
					WriterID:   "me",
					AcquiredAt: now,
					ExpiresAt:  now.Add(time.Hour),
				})
			},
			present: true,
			reason:  "holder_alive",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			tc.write(t, lockPath(dir))
			st, err := dslock.Inspect(dir, testDataset,
				dslock.WithHostname("ingest-01"),
				dslock.WithProbe(liveness.Static(liveness.Alive)),
			)
			if err != nil {
				t.Fatalf("inspect: %v", err)
			}
			if st.Present != tc.present || st.Stale != tc.stale || st.Reason != tc.reason {
				t.Fatalf("got present=%v stale=%v reason=%q", st.Present, st.Stale, st.Reason)
			}
			if st.Err() != nil {
				t.Fatalf("unexpected status error: %v", st.Err())
			}
			if tc.present && st.WriterID == "" {
				t.Fatal("holder identity missing")
			}
		})
	}
}

func TestInspectDescribesLocalHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := newTestLocker(t, dir)
	if _, err := l.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st, err := l.Inspect(context.Background())
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !st.Held() || st.PID != os.Getpid() {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Process == nil || st.Process.Name == "" {
		t.Fatalf("expected process details for own pid, got %+v", st.Process)
	}
	if !strings.HasPrefix(st.Verdict(), "live") {
		t.Fatalf("verdict=%q", st.Verdict())
	}
}

func TestInspectDoesNotCreateDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir() + "/missing"
	st, err := dslock.Inspect(dir, testDataset)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if st.Present || st.Verdict() != "free" {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("inspect created %s", dir)
	}
}

func TestRecoverOutcomes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	t.Run("live", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeRecord(t, lockPath(dir), foreignRecord(time.Now(), time.Hour))
		l := newTestLocker(t, dir)
		st, err := l.Recover(ctx)
		if !errors.Is(err, dslock.ErrLockLive) || st.Recovered {
			t.Fatalf("expected ErrLockLive, got %v", err)
		}
		assertOnlyLockFile(t, dir)
	})
	t.Run("stale", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeRecord(t, lockPath(dir), foreignRecord(time.Now().Add(-3*time.Hour), time.Hour))
		l := newTestLocker(t, dir)
		st, err := l.Recover(ctx)
		if err != nil || !st.Recovered || st.Reason != "expired" {
			t.Fatalf("recover: %+v %v", st, err)
		}
		assertEmptyDir(t, dir)
	})
	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		if err := os.WriteFile(lockPath(dir), []byte("?"), 0o644); err != nil {
			t.Fatal(err)
		}
		l := newTestLocker(t, dir)
		st, err := l.Recover(ctx)
		if err != nil || !st.Recovered || !errors.Is(st.Err(), dslock.ErrMalformedRecord) {
			t.Fatalf("recover: %+v %v", st, err)
		}
		assertEmptyDir(t, dir)
	})
	t.Run("absent", func(t *testing.T) {
		t.Parallel()
		l := newTestLocker(t, t.TempDir())
		st, err := l.Recover(ctx)
		if err != nil || st.Present || st.Recovered {
			t.Fatalf("recover: %+v %v", st, err)
		}
	})
}
