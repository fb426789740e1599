package dslock_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"pkt.systems/dslock"
)

func TestWithLockReleasesAfterSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var seen dslock.Token
	err := dslock.WithLock(context.Background(), dir, testDataset, time.Second,
		func(ctx context.Context, tok dslock.Token) error {
			seen = tok
			if _, err := os.Stat(tok.Path()); err != nil {
				t.Errorf("lock file missing inside guarded block: %v", err)
			}
			return nil
		},
		dslock.WithoutMetrics(),
	)
	if err != nil {
		t.Fatalf("with lock: %v", err)
	}
	if seen.IsZero() {
		t.Fatal("fn did not receive a token")
	}
	assertEmptyDir(t, dir)
}

func TestWithLockReleasesAndReturnsFnError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	errBoom := errors.New("boom")
	err := dslock.WithLock(context.Background(), dir, testDataset, time.Second,
		func(context.Context, dslock.Token) error { return errBoom },
		dslock.WithoutMetrics(),
	)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	assertEmptyDir(t, dir)
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Fatalf("panic not propagated: %v", r)
			}
		}()
		_ = dslock.WithLock(context.Background(), dir, testDataset, time.Second,
			func(context.Context, dslock.Token) error { panic("kaboom") },
			dslock.WithoutMetrics(),
		)
	}()
	assertEmptyDir(t, dir)
}

func TestWithLockJoinsReleaseError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	errBoom := errors.New("boom")
	err := dslock.WithLock(context.Background(), dir, testDataset, time.Second,
		func(context.Context, dslock.Token) error {
			// Someone else took the lock over while we were working.
			writeRecord(t, lockPath(dir), foreignRecord(time.Now(), time.Hour))
			return errBoom
		},
		dslock.WithoutMetrics(),
	)
	if !errors.Is(err, errBoom) || !errors.Is(err, dslock.ErrOwnership) {
		t.Fatalf("expected joined errors, got %v", err)
	}
	assertOnlyLockFile(t, dir)
}

func TestWithLockTimesOutWithoutRunningFn(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	holder := newTestLocker(t, dir)
	if _, err := holder.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("holder: %v", err)
	}
	err := dslock.WithLock(context.Background(), dir, testDataset, 0,
		func(context.Context, dslock.Token) error {
			t.Error("fn must not run without the lock")
			return nil
		},
		dslock.WithoutMetrics(),
	)
	if !dslock.IsAcquireTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestGuardCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := newTestLocker(t, dir)
	g, err := l.Lock(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if g.Token().Path() != l.Path() {
		t.Fatalf("guard token path %q", g.Token().Path())
	}
	for i := 0; i < 3; i++ {
		if err := g.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	assertEmptyDir(t, dir)
}

func TestWithLockRejectsBadDataset(t *testing.T) {
	t.Parallel()

	err := dslock.WithLock(context.Background(), t.TempDir(), "../escape", time.Second,
		func(context.Context, dslock.Token) error { return nil })
	if !errors.Is(err, dslock.ErrInvalidDataset) {
		t.Fatalf("expected invalid dataset, got %v", err)
	}
}
