package dslock

import (
	"io/fs"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/dslock/internal/backoff"
	"pkt.systems/dslock/internal/clock"
	"pkt.systems/dslock/internal/liveness"
)

// Option customises a Locker.
type Option func(*options)

type options struct {
	logger        pslog.Logger
	clock         clock.Clock
	probe         liveness.Probe
	hostname      string
	writerID      string
	pid           int
	lockTimeout   time.Duration
	fileMode      fs.FileMode
	policy        backoff.Policy
	policySet     bool
	recheck       bool
	disableMetric bool
	noMkdir       bool
}

func defaultOptions() options {
	return options{
		clock:       clock.Real{},
		probe:       liveness.System(),
		lockTimeout: DefaultLockTimeout,
		fileMode:    DefaultFileMode,
		recheck:     true,
	}
}

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces the time source used for timestamps, staleness and
// backoff sleeps.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithProbe replaces the process liveness probe.
func WithProbe(probe liveness.Probe) Option {
	return func(o *options) {
		if probe != nil {
			o.probe = probe
		}
	}
}

// WithHostname overrides the hostname written to records and used to decide
// whether a holder can be probed.
func WithHostname(hostname string) Option {
	return func(o *options) {
		o.hostname = hostname
	}
}

// WithWriterID sets the writer identity. A UUIDv7 is generated otherwise.
func WithWriterID(id string) Option {
	return func(o *options) {
		o.writerID = id
	}
}

// WithPID overrides the process id written to records. Tests use it to play
// other processes.
func WithPID(pid int) Option {
	return func(o *options) {
		o.pid = pid
	}
}

// WithLockTimeout sets how far ahead expires_at is written on acquire and
// refresh.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithFileMode sets the permission bits of lock files.
func WithFileMode(mode fs.FileMode) Option {
	return func(o *options) {
		if mode != 0 {
			o.fileMode = mode
		}
	}
}

// WithBackoff sets the acquire retry schedule and jitter fraction.
func WithBackoff(steps []time.Duration, jitter float64) Option {
	return func(o *options) {
		o.policy = backoff.New(steps, backoff.WithJitter(jitter))
		o.policySet = true
	}
}

// WithBackoffPolicy installs a prepared retry policy.
func WithBackoffPolicy(policy backoff.Policy) Option {
	return func(o *options) {
		o.policy = policy
		o.policySet = true
	}
}

// WithRecoveryRecheck toggles re-reading a record after winning the recovery
// rename. Enabled by default.
func WithRecoveryRecheck(enabled bool) Option {
	return func(o *options) {
		o.recheck = enabled
	}
}

// WithoutMetrics stops the Locker from recording OpenTelemetry instruments.
func WithoutMetrics() Option {
	return func(o *options) {
		o.disableMetric = true
	}
}

// withoutMkdir keeps New from creating the lock directory, for read-only use.
func withoutMkdir() Option {
	return func(o *options) {
		o.noMkdir = true
	}
}
