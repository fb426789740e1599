package dslock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/dslock/internal/backoff"
	"pkt.systems/dslock/internal/clock"
	"pkt.systems/dslock/internal/correlation"
	"pkt.systems/dslock/internal/fsutil"
	"pkt.systems/dslock/internal/loggingutil"
	"pkt.systems/dslock/internal/record"
	"pkt.systems/dslock/internal/stale"
)

// maxImmediateRetries bounds back-to-back attempts that skip the backoff
// sleep (record vanished, stale record recovered) before one sleep is forced.
const maxImmediateRetries = 8

// Locker serialises writers of one dataset through a lock file in dir.
//
// Acquire, Release and Refresh may be called from different goroutines (for
// example a KeepAlive loop next to the main job), but a Locker holds at most
// one token and is not reentrant: a second Acquire on the same Locker waits
// for its own lock like any other contender.
type Locker struct {
	dir      string
	dataset  string
	path     string
	hostname string
	writerID string
	pid      int

	lockTimeout time.Duration
	fileMode    fs.FileMode
	policy      backoff.Policy
	clock       clock.Clock
	oracle      stale.Oracle
	recheck     bool

	logger  pslog.Logger
	metrics *lockMetrics

	mu      sync.Mutex
	current *Token
}

// New returns a Locker for dataset inside dir. The directory is created when
// missing.
func New(dir, dataset string, opts ...Option) (*Locker, error) {
	if err := ValidateDataset(dataset); err != nil {
		return nil, err
	}
	if dir == "" {
		dir = DefaultLockDir
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("dslock: resolve hostname: %w", err)
		}
		o.hostname = host
	}
	if o.writerID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("dslock: generate writer id: %w", err)
		}
		o.writerID = id.String()
	}
	if o.pid <= 0 {
		o.pid = os.Getpid()
	}
	if !o.policySet {
		o.policy = backoff.New(nil)
	}
	if !o.noMkdir {
		if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
			return nil, fmt.Errorf("dslock: create lock dir: %w", err)
		}
	}

	logger := loggingutil.WithSubsystem(o.logger, loggingutil.Subsystem("dslock", "locker")).
		With("dataset", dataset)
	l := &Locker{
		dir:         dir,
		dataset:     dataset,
		path:        LockPath(dir, dataset),
		hostname:    o.hostname,
		writerID:    o.writerID,
		pid:         o.pid,
		lockTimeout: o.lockTimeout,
		fileMode:    o.fileMode,
		policy:      o.policy,
		clock:       o.clock,
		recheck:     o.recheck,
		logger:      logger,
		oracle: stale.Oracle{
			Hostname: o.hostname,
			Probe:    o.probe,
			Clock:    o.clock,
		},
	}
	if !o.disableMetric {
		l.metrics = processMetrics(logger)
	}
	return l, nil
}

// Dataset returns the dataset name.
func (l *Locker) Dataset() string { return l.dataset }

// Path returns the lock file path.
func (l *Locker) Path() string { return l.path }

// WriterID returns the identity written into records by this Locker.
func (l *Locker) WriterID() string { return l.writerID }

// Hostname returns the hostname written into records by this Locker.
func (l *Locker) Hostname() string { return l.hostname }

// Current returns the token this Locker holds, if any.
func (l *Locker) Current() (Token, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return Token{}, false
	}
	return *l.current, true
}

// Acquire blocks until the lock file is created by this Locker, the timeout
// budget is spent (ErrAcquireTimeout) or ctx is done. Stale records found on
// the way are recovered. A timeout <= 0 makes exactly one pass.
func (l *Locker) Acquire(ctx context.Context, timeout time.Duration) (Token, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracer().Start(ctx, "dslock.acquire", trace.WithAttributes(
		attribute.String("dslock.dataset", l.dataset),
		attribute.String("dslock.path", l.path),
	))
	defer span.End()
	logger := l.loggerFor(ctx)

	start := l.clock.Monotonic()
	bo := l.policy.Start()
	var (
		attempts  int
		immediate int
		holder    string
	)
	logger.Debug("lock.acquire.begin", "path", l.path, "timeout", timeout, "writer_id", l.writerID)
	for {
		if err := ctx.Err(); err != nil {
			l.metrics.recordAcquire(ctx, l.dataset, outcomeCanceled, l.clock.Monotonic()-start, attempts)
			span.SetStatus(codes.Error, "canceled")
			return Token{}, err
		}
		attempts++
		tok, outcome, err := l.tryCreate(logger)
		if err != nil {
			l.metrics.recordAcquire(ctx, l.dataset, outcomeError, l.clock.Monotonic()-start, attempts)
			span.RecordError(err)
			span.SetStatus(codes.Error, "create failed")
			logger.Error("lock.acquire.error", "path", l.path, "error", err)
			return Token{}, fmt.Errorf("dslock: acquire %s: %w", l.path, err)
		}
		if outcome == fsutil.Created {
			waited := l.clock.Monotonic() - start
			l.setCurrent(&tok)
			l.metrics.recordAcquire(ctx, l.dataset, outcomeAcquired, waited, attempts)
			span.SetAttributes(attribute.Int("dslock.attempts", attempts))
			logger.Info("lock.acquire.success",
				"path", l.path,
				"attempts", attempts,
				"waited", waited,
				"expires_at", tok.expiresAt,
			)
			return tok, nil
		}

		retryNow, seen, err := l.examineHeld(ctx, logger)
		if err != nil {
			l.metrics.recordAcquire(ctx, l.dataset, outcomeError, l.clock.Monotonic()-start, attempts)
			span.RecordError(err)
			span.SetStatus(codes.Error, "read failed")
			logger.Error("lock.acquire.error", "path", l.path, "error", err)
			return Token{}, fmt.Errorf("dslock: acquire %s: %w", l.path, err)
		}
		if seen != "" {
			holder = seen
		}
		if retryNow && immediate < maxImmediateRetries {
			immediate++
			continue
		}
		immediate = 0

		waited := l.clock.Monotonic() - start
		remaining := timeout - waited
		if remaining <= 0 {
			l.metrics.recordAcquire(ctx, l.dataset, outcomeTimeout, waited, attempts)
			span.SetStatus(codes.Error, "timeout")
			logger.Info("lock.acquire.timeout", "path", l.path, "attempts", attempts, "waited", waited, "holder", holder)
			return Token{}, &AcquireTimeoutError{
				Dataset:  l.dataset,
				Attempts: attempts,
				Waited:   waited,
				Holder:   holder,
			}
		}
		sleep := bo.Next(remaining)
		logger.Debug("lock.acquire.backoff", "attempt", attempts, "sleep", sleep, "remaining", remaining)
		select {
		case <-ctx.Done():
		case <-l.clock.After(sleep):
		}
	}
}

// tryCreate attempts the exclusive create of a fresh record.
func (l *Locker) tryCreate(logger pslog.Logger) (Token, fsutil.CreateOutcome, error) {
	now := l.clock.Now().UTC()
	tok := Token{
		pid:        l.pid,
		hostname:   l.hostname,
		writerID:   l.writerID,
		acquiredAt: now,
		expiresAt:  now.Add(l.lockTimeout),
		path:       l.path,
	}
	data, err := record.Encode(tok.record())
	if err != nil {
		return Token{}, 0, err
	}
	outcome, err := fsutil.CreateExclusive(l.path, tempSuffix(), data, l.fileMode)
	if err != nil {
		return Token{}, 0, err
	}
	if outcome == fsutil.Created {
		l.syncDir(logger, "acquire")
	}
	return tok, outcome, nil
}

// examineHeld reads the record that blocked a create. It reports whether the
// path is believed free again (vanished or recovered) and a description of
// the holder when the record was readable.
func (l *Locker) examineHeld(ctx context.Context, logger pslog.Logger) (bool, string, error) {
	res, err := record.Read(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("lock.acquire.vanished", "path", l.path)
		return true, "", nil
	}
	if err != nil {
		return false, "", err
	}
	var holder string
	if res.Valid() {
		holder = describeHolder(res.Record)
	}
	verdict := l.oracle.Classify(res)
	if !verdict.Stale {
		logger.Debug("lock.acquire.held", "holder", holder, "verdict", verdict.String())
		return false, holder, nil
	}
	logger.Info("lock.acquire.stale", "holder", holder, "reason", verdict.Reason, "detail", verdict.Detail)
	return l.recoverStale(ctx, logger, res, verdict), holder, nil
}

// Release removes the lock file after checking that token is the one held by
// this Locker and the one named on disk. A record that is already gone counts
// as released. Any mismatch returns *OwnershipError and leaves the file alone.
func (l *Locker) Release(ctx context.Context, token Token) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracer().Start(ctx, "dslock.release", trace.WithAttributes(
		attribute.String("dslock.dataset", l.dataset),
	))
	defer span.End()
	logger := l.loggerFor(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkHeldLocked("release", token); err != nil {
		l.metrics.recordRelease(ctx, l.dataset, outcomeRejected)
		span.SetStatus(codes.Error, "ownership")
		logger.Warn("lock.release.rejected", "path", token.path, "error", err)
		return err
	}
	res, err := record.Read(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		l.current = nil
		l.metrics.recordRelease(ctx, l.dataset, outcomeAlreadyGone)
		logger.Info("lock.release.already_gone", "path", l.path)
		return nil
	case err != nil:
		l.metrics.recordRelease(ctx, l.dataset, outcomeError)
		span.RecordError(err)
		return fmt.Errorf("dslock: release %s: %w", l.path, err)
	}
	if err := l.checkRecord("release", token, res); err != nil {
		l.metrics.recordRelease(ctx, l.dataset, outcomeRejected)
		span.SetStatus(codes.Error, "ownership")
		logger.Warn("lock.release.mismatch", "path", l.path, "error", err)
		return err
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.metrics.recordRelease(ctx, l.dataset, outcomeError)
		span.RecordError(err)
		return fmt.Errorf("dslock: release %s: %w", l.path, err)
	}
	l.syncDir(logger, "release")
	l.current = nil
	l.metrics.recordRelease(ctx, l.dataset, outcomeReleased)
	logger.Info("lock.release.success", "path", l.path, "held_for", l.clock.Now().Sub(token.acquiredAt))
	return nil
}

// Refresh pushes expires_at forward by the lock timeout, keeping acquired_at,
// and returns the new token. The record is replaced atomically through a
// sibling temp file. Refresh never recreates a missing record.
func (l *Locker) Refresh(ctx context.Context, token Token) (Token, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracer().Start(ctx, "dslock.refresh", trace.WithAttributes(
		attribute.String("dslock.dataset", l.dataset),
	))
	defer span.End()
	logger := l.loggerFor(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkHeldLocked("refresh", token); err != nil {
		l.metrics.recordRefresh(ctx, l.dataset, outcomeRejected)
		span.SetStatus(codes.Error, "ownership")
		logger.Warn("lock.refresh.rejected", "path", token.path, "error", err)
		return Token{}, err
	}
	res, err := record.Read(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		l.metrics.recordRefresh(ctx, l.dataset, outcomeRejected)
		span.SetStatus(codes.Error, "ownership")
		logger.Warn("lock.refresh.missing", "path", l.path)
		return Token{}, &OwnershipError{Op: "refresh", Path: l.path, Reason: ReasonRecordMissing}
	case err != nil:
		l.metrics.recordRefresh(ctx, l.dataset, outcomeError)
		span.RecordError(err)
		return Token{}, fmt.Errorf("dslock: refresh %s: %w", l.path, err)
	}
	if err := l.checkRecord("refresh", token, res); err != nil {
		l.metrics.recordRefresh(ctx, l.dataset, outcomeRejected)
		span.SetStatus(codes.Error, "ownership")
		logger.Warn("lock.refresh.mismatch", "path", l.path, "error", err)
		return Token{}, err
	}

	next := token.withExpiry(l.clock.Now().Add(l.lockTimeout))
	data, err := record.Encode(next.record())
	if err != nil {
		l.metrics.recordRefresh(ctx, l.dataset, outcomeError)
		return Token{}, fmt.Errorf("dslock: refresh %s: %w", l.path, err)
	}
	if err := fsutil.ReplaceFile(l.path, tempSuffix(), data, l.fileMode); err != nil {
		l.metrics.recordRefresh(ctx, l.dataset, outcomeError)
		span.RecordError(err)
		logger.Error("lock.refresh.write_failed", "path", l.path, "error", err)
		return Token{}, fmt.Errorf("dslock: refresh %s: %w", l.path, err)
	}
	l.syncDir(logger, "refresh")
	l.current = &next
	l.metrics.recordRefresh(ctx, l.dataset, outcomeRefreshed)
	logger.Debug("lock.refresh.success", "path", l.path, "expires_at", next.expiresAt)
	return next, nil
}

// checkHeldLocked compares token with the in-memory state. l.mu must be held.
func (l *Locker) checkHeldLocked(op string, token Token) error {
	if l.current == nil {
		return &OwnershipError{Op: op, Path: l.path, Reason: ReasonNotHeld}
	}
	if !l.current.sameIdentity(token) {
		return &OwnershipError{
			Op:     op,
			Path:   l.path,
			Reason: ReasonTokenMismatch,
			Detail: fmt.Sprintf("held writer %s, token writer %s", l.current.writerID, token.writerID),
		}
	}
	return nil
}

// checkRecord compares token with what is on disk.
func (l *Locker) checkRecord(op string, token Token, res record.Result) error {
	if !res.Valid() {
		return &OwnershipError{Op: op, Path: l.path, Reason: ReasonRecordUnreadable, Detail: res.Problem}
	}
	if !token.matches(res.Record) {
		return &OwnershipError{Op: op, Path: l.path, Reason: ReasonRecordMismatch, Detail: "held by " + describeHolder(res.Record)}
	}
	return nil
}

func (l *Locker) setCurrent(tok *Token) {
	l.mu.Lock()
	l.current = tok
	l.mu.Unlock()
}

func (l *Locker) syncDir(logger pslog.Logger, op string) {
	if err := fsutil.SyncDir(l.dir); err != nil {
		logger.Warn("lock.fsync_dir.failed", "op", op, "dir", l.dir, "error", err)
	}
}

func (l *Locker) loggerFor(ctx context.Context) pslog.Logger {
	logger := l.logger
	if ctx != nil {
		if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
			logger = loggingutil.WithSubsystem(ctxLogger, loggingutil.Subsystem("dslock", "locker")).With("dataset", l.dataset)
		}
	}
	if id := correlation.ID(ctx); id != "" {
		logger = logger.With("run_id", id)
	}
	return logger
}

func tempSuffix() string {
	return ".tmp." + xid.New().String()
}
