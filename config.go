package dslock

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/dslock/internal/backoff"
)

const (
	// DefaultLockTimeout is how long a record protects its holder before it
	// may be recovered regardless of liveness.
	DefaultLockTimeout = 4 * time.Hour
	// DefaultRefreshInterval is the keepalive period used by long running
	// holders such as `dslock run`.
	DefaultRefreshInterval = 60 * time.Second
	// DefaultAcquireTimeout bounds how long the CLI waits for a lock.
	DefaultAcquireTimeout = 5 * time.Minute
	// DefaultLockDir is where lock files live when no directory is configured.
	// It is resolved relative to the working directory.
	DefaultLockDir = ".locks"
	// DefaultFileMode is the permission of lock files.
	DefaultFileMode fs.FileMode = 0o644
	// DefaultDirMode is used when the lock directory has to be created.
	DefaultDirMode fs.FileMode = 0o755
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// LockSuffix is appended to the dataset name to form the lock file name.
	LockSuffix = ".lock"
)

// DefaultBackoffSchedule returns the retry delays used by Acquire. The last
// step repeats once the schedule is exhausted.
func DefaultBackoffSchedule() []time.Duration {
	return slices.Clone(backoff.DefaultSteps)
}

// Config gathers the tunables of a Locker and of the CLI around it.
type Config struct {
	Dir             string        `yaml:"dir"`
	LockTimeout     time.Duration `yaml:"lock-timeout"`
	RefreshInterval time.Duration `yaml:"refresh-interval"`
	AcquireTimeout  time.Duration `yaml:"acquire-timeout"`
	// AcquireTimeoutSet keeps an explicit zero AcquireTimeout (try once)
	// instead of replacing it with DefaultAcquireTimeout.
	AcquireTimeoutSet bool            `yaml:"-"`
	Backoff           []time.Duration `yaml:"backoff"`
	BackoffJitter     float64         `yaml:"backoff-jitter"`
	Hostname          string          `yaml:"hostname"`
	WriterID          string          `yaml:"writer-id"`
	FileMode          fs.FileMode     `yaml:"file-mode"`
	// DisableRecoveryRecheck skips re-reading a record after winning the
	// recovery rename. Only useful for reproducing the bare protocol.
	DisableRecoveryRecheck bool `yaml:"disable-recovery-recheck"`

	MetricsListen        string `yaml:"metrics-listen"`
	OTLPEndpoint         string `yaml:"otlp-endpoint"`
	EnableRuntimeMetrics bool   `yaml:"enable-runtime-metrics"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	cfg := Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills zero values with defaults and rejects impossible settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		c.Dir = DefaultLockDir
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	} else if c.LockTimeout < 0 {
		return fmt.Errorf("config: lock timeout must be > 0")
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = DefaultRefreshInterval
	} else if c.RefreshInterval < 0 {
		return fmt.Errorf("config: refresh interval must be > 0")
	}
	if c.RefreshInterval >= c.LockTimeout {
		return fmt.Errorf("config: refresh interval %s must be shorter than lock timeout %s", c.RefreshInterval, c.LockTimeout)
	}
	if c.AcquireTimeout == 0 && !c.AcquireTimeoutSet {
		c.AcquireTimeout = DefaultAcquireTimeout
	} else if c.AcquireTimeout < 0 {
		return fmt.Errorf("config: acquire timeout must be >= 0")
	}
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoffSchedule()
	}
	for i, step := range c.Backoff {
		if step <= 0 {
			return fmt.Errorf("config: backoff step %d must be > 0", i)
		}
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fmt.Errorf("config: backoff jitter must be within [0,1]")
	}
	if c.FileMode == 0 {
		c.FileMode = DefaultFileMode
	}
	if c.EnableRuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	return nil
}

// Options converts the Locker related settings into options for New.
func (c Config) Options() []Option {
	opts := []Option{
		WithLockTimeout(c.LockTimeout),
		WithBackoff(c.Backoff, c.BackoffJitter),
	}
	if c.Hostname != "" {
		opts = append(opts, WithHostname(c.Hostname))
	}
	if c.WriterID != "" {
		opts = append(opts, WithWriterID(c.WriterID))
	}
	if c.FileMode != 0 {
		opts = append(opts, WithFileMode(c.FileMode))
	}
	if c.DisableRecoveryRecheck {
		opts = append(opts, WithRecoveryRecheck(false))
	}
	return opts
}

// DefaultConfigDir returns $HOME/.dslock.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".dslock"), nil
}

// ValidateDataset rejects names that are not a single usable path component.
func ValidateDataset(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidDataset)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidDataset, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidDataset, name)
	case name != filepath.Base(name):
		return fmt.Errorf("%w: %q is not a single path component", ErrInvalidDataset, name)
	}
	return nil
}

// LockPath returns the lock file path for dataset inside dir.
func LockPath(dir, dataset string) string {
	return filepath.Join(dir, dataset+LockSuffix)
}
