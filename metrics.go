package dslock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
)

const instrumentationName = "pkt.systems/dslock"

type lockMetrics struct {
	acquireCount  metric.Int64Counter
	acquireWait   metric.Int64Histogram
	acquireTries  metric.Int64Histogram
	releaseCount  metric.Int64Counter
	refreshCount  metric.Int64Counter
	recoveryCount metric.Int64Counter
	heldGauge     metric.Int64ObservableGauge
	held          atomic.Int64
}

var (
	metricsOnce   sync.Once
	sharedMetrics *lockMetrics
)

// processMetrics returns the instruments shared by every Locker in the
// process. The global meter provider delegates, so instruments created before
// telemetry is configured still reach the exporter.
func processMetrics(logger pslog.Logger) *lockMetrics {
	metricsOnce.Do(func() {
		sharedMetrics = newLockMetrics(logger)
	})
	return sharedMetrics
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter(instrumentationName)
	m := &lockMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"dslock.acquire",
		metric.WithDescription("Lock acquire outcomes"),
	)
	logMetricInitError(logger, "dslock.acquire", err)

	m.acquireWait, err = meter.Int64Histogram(
		"dslock.acquire.wait_ms",
		metric.WithDescription("Time spent waiting for a lock"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "dslock.acquire.wait_ms", err)

	m.acquireTries, err = meter.Int64Histogram(
		"dslock.acquire.attempts",
		metric.WithDescription("Exclusive create attempts per acquire"),
	)
	logMetricInitError(logger, "dslock.acquire.attempts", err)

	m.releaseCount, err = meter.Int64Counter(
		"dslock.release",
		metric.WithDescription("Lock release outcomes"),
	)
	logMetricInitError(logger, "dslock.release", err)

	m.refreshCount, err = meter.Int64Counter(
		"dslock.refresh",
		metric.WithDescription("Lock refresh outcomes"),
	)
	logMetricInitError(logger, "dslock.refresh", err)

	m.recoveryCount, err = meter.Int64Counter(
		"dslock.recovery",
		metric.WithDescription("Stale lock recovery attempts"),
	)
	logMetricInitError(logger, "dslock.recovery", err)

	m.heldGauge, err = meter.Int64ObservableGauge(
		"dslock.held",
		metric.WithDescription("Locks currently held by this process"),
	)
	logMetricInitError(logger, "dslock.held", err)

	if m.heldGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.heldGauge, m.held.Load())
			return nil
		}, m.heldGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "dslock.held", "error", err)
		}
	}
	return m
}

func (m *lockMetrics) recordAcquire(ctx context.Context, dataset, outcome string, waited time.Duration, attempts int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("dslock.dataset", dataset),
		attribute.String("dslock.outcome", outcome),
	)
	if m.acquireCount != nil {
		m.acquireCount.Add(ctx, 1, attrs)
	}
	if m.acquireWait != nil {
		m.acquireWait.Record(ctx, waited.Milliseconds(), attrs)
	}
	if m.acquireTries != nil {
		m.acquireTries.Record(ctx, int64(attempts), attrs)
	}
	if outcome == outcomeAcquired {
		m.held.Add(1)
	}
}

func (m *lockMetrics) recordRelease(ctx context.Context, dataset, outcome string) {
	if m == nil {
		return
	}
	if m.releaseCount != nil {
		m.releaseCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("dslock.dataset", dataset),
			attribute.String("dslock.outcome", outcome),
		))
	}
	if outcome == outcomeReleased || outcome == outcomeAlreadyGone {
		m.held.Add(-1)
	}
}

func (m *lockMetrics) recordRefresh(ctx context.Context, dataset, outcome string) {
	if m == nil || m.refreshCount == nil {
		return
	}
	m.refreshCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dslock.dataset", dataset),
		attribute.String("dslock.outcome", outcome),
	))
}

func (m *lockMetrics) recordRecovery(ctx context.Context, dataset, reason, outcome string) {
	if m == nil || m.recoveryCount == nil {
		return
	}
	m.recoveryCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dslock.dataset", dataset),
		attribute.String("dslock.stale_reason", reason),
		attribute.String("dslock.outcome", outcome),
	))
}

const (
	outcomeAcquired    = "acquired"
	outcomeTimeout     = "timeout"
	outcomeCanceled    = "canceled"
	outcomeError       = "error"
	outcomeReleased    = "released"
	outcomeAlreadyGone = "already_gone"
	outcomeRefreshed   = "refreshed"
	outcomeRejected    = "rejected"
	outcomeWon         = "won"
	outcomeLost        = "lost"
	outcomeRestored    = "restored"
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
