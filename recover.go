package dslock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/dslock/internal/fsutil"
	"pkt.systems/dslock/internal/record"
	"pkt.systems/dslock/internal/stale"
)

// RecoverySuffix precedes the recovering pid in the name a stale record is
// renamed to.
const RecoverySuffix = ".recovery."

// recoveryPath is where this process moves a stale record before deleting it.
func (l *Locker) recoveryPath() string {
	return l.path + RecoverySuffix + strconv.Itoa(l.pid)
}

// recoverStale moves the stale record observed in res out of the way. The
// rename is the arbitration point: among processes racing for the same
// record exactly one rename succeeds. The winner then checks that what it
// moved is still the record it classified; if another process recovered and
// reacquired in between, the live record is linked back and the recovery is
// reported as lost.
func (l *Locker) recoverStale(ctx context.Context, logger pslog.Logger, observed record.Result, verdict stale.Verdict) bool {
	aside := l.recoveryPath()
	reason := string(verdict.Reason)
	if err := os.Rename(l.path, aside); err != nil {
		l.metrics.recordRecovery(ctx, l.dataset, reason, outcomeLost)
		logger.Debug("lock.recover.lost", "path", l.path, "error", err)
		return false
	}

	if l.recheck {
		if restored := l.restoreIfLive(logger, aside, observed); restored {
			l.metrics.recordRecovery(ctx, l.dataset, reason, outcomeRestored)
			return false
		}
	}

	if err := os.Remove(aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// The lock path is already free; a leftover aside file is replaced by
		// the next recovery from this pid.
		logger.Warn("lock.recover.cleanup_failed", "path", aside, "error", err)
	}
	l.syncDir(logger, "recover")
	l.metrics.recordRecovery(ctx, l.dataset, reason, outcomeWon)
	logger.Info("lock.recover.success", "path", l.path, "reason", verdict.Reason, "detail", verdict.Detail)
	return true
}

// restoreIfLive re-reads the record moved to aside. When it differs from the
// observed one and is live, it is put back without replacing whatever may
// have been created at the lock path since.
func (l *Locker) restoreIfLive(logger pslog.Logger, aside string, observed record.Result) bool {
	moved, err := record.Read(aside)
	if err != nil {
		logger.Warn("lock.recover.recheck_failed", "path", aside, "error", err)
		return false
	}
	if bytes.Equal(moved.Raw, observed.Raw) {
		return false
	}
	verdict := l.oracle.Classify(moved)
	if verdict.Stale {
		return false
	}
	holder := ""
	if moved.Valid() {
		holder = describeHolder(moved.Record)
	}
	logger.Warn("lock.recover.moved_live_record", "path", l.path, "holder", holder, "verdict", verdict.String())
	if err := fsutil.RestoreNoReplace(aside, l.path); err != nil {
		logger.Error("lock.recover.restore_failed", "path", l.path, "aside", aside, "holder", holder, "error", err)
		return true
	}
	l.syncDir(logger, "recover.restore")
	return true
}

// Recover classifies the current lock file and recovers it when stale. It is
// meant for operators; Acquire recovers on its own. A missing lock file is not
// an error. A live record yields ErrLockLive and a lost rename race yields
// ErrRecoveryFailed.
func (l *Locker) Recover(ctx context.Context) (Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracer().Start(ctx, "dslock.recover", trace.WithAttributes(
		attribute.String("dslock.dataset", l.dataset),
	))
	defer span.End()
	logger := l.loggerFor(ctx)

	res, err := record.Read(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("lock.recover.absent", "path", l.path)
		return Status{Dataset: l.dataset, Path: l.path}, nil
	}
	if err != nil {
		span.RecordError(err)
		return Status{}, fmt.Errorf("dslock: recover %s: %w", l.path, err)
	}
	status := l.statusFrom(ctx, res)
	if !status.Stale {
		span.SetStatus(codes.Error, "live")
		return status, fmt.Errorf("%w: %s", ErrLockLive, status.Verdict())
	}
	if !l.recoverStale(ctx, logger, res, status.verdict) {
		span.SetStatus(codes.Error, "lost")
		return status, ErrRecoveryFailed
	}
	status.Recovered = true
	return status, nil
}
