package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/dslock"
	"pkt.systems/dslock/internal/loggingutil"
	"pkt.systems/pslog"
)

// exitTempFail is returned when the lock could not be acquired in time, so
// schedulers can tell contention apart from job failures.
const exitTempFail = 75

// exitCodeError carries a process exit code out of a command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DSLOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "dslock")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			if exit.err != nil {
				fmt.Fprintf(os.Stderr, "%s\n", exit.err)
			}
			return exit.code
		}
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli is shared by every subcommand of one root command.
type cli struct {
	v          *viper.Viper
	baseLogger pslog.Logger
}

// session is the resolved configuration of one command invocation.
type session struct {
	cfg       dslock.Config
	logger    pslog.Logger
	telemetry *dslock.Telemetry
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), baseLogger: loggingutil.EnsureLogger(baseLogger)}
	defaults := dslock.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "dslock",
		Short:         "dslock serialises writers of a dataset through a crash-recoverable lock file",
		SilenceErrors: true,
		Example: `
  # Hold the lock on eod-bars while the ingest job runs
  dslock --dir /srv/market/.locks run eod-bars -- ./ingest --date 2026-10-15

  # Who holds it?
  dslock --dir /srv/market/.locks status eod-bars

  # Remove a stale lock left by a crashed writer
  dslock --dir /srv/market/.locks recover eod-bars
`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.dslock/"+dslock.DefaultConfigFileName+")")
	flags.StringP("dir", "d", defaults.Dir, "directory holding the lock files")
	flags.Duration("lock-timeout", defaults.LockTimeout, "lifetime written into each lock record")
	flags.Duration("refresh-interval", defaults.RefreshInterval, "keepalive period used by run (must be shorter than --lock-timeout)")
	flags.Duration("acquire-timeout", defaults.AcquireTimeout, "maximum time to wait for the lock (0 tries once)")
	flags.StringSlice("backoff", durationStrings(defaults.Backoff), "retry delays between acquire attempts; the last one repeats")
	flags.Float64("backoff-jitter", defaults.BackoffJitter, "random fraction added to each retry delay (0 disables)")
	flags.String("hostname", "", "hostname written into lock records (defaults to the OS hostname)")
	flags.String("writer-id", "", "writer id written into lock records (defaults to a fresh UUIDv7)")
	flags.String("file-mode", fmt.Sprintf("%#o", defaults.FileMode), "permission bits of created lock files (octal)")
	flags.Bool("disable-recovery-recheck", false, "do not re-read a record after winning the recovery rename")
	flags.String("metrics-listen", "", "Prometheus scrape address for lock metrics (empty disables)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint for traces (e.g. grpc://localhost:4317)")
	flags.Bool("enable-runtime-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	c.v.SetEnvPrefix("DSLOCK")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	bindFlags(c.v, flags,
		"config", "dir", "lock-timeout", "refresh-interval", "acquire-timeout",
		"backoff", "backoff-jitter", "hostname", "writer-id", "file-mode",
		"disable-recovery-recheck", "metrics-listen", "otlp-endpoint",
		"enable-runtime-metrics", "log-level",
	)

	cmd.AddCommand(newRunCommand(c))
	cmd.AddCommand(newStatusCommand(c))
	cmd.AddCommand(newRecoverCommand(c))
	cmd.AddCommand(newWatchCommand(c))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlags(v *viper.Viper, set *pflag.FlagSet, names ...string) {
	for _, name := range names {
		flag := set.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

// open resolves config file, flags and environment into a session. Telemetry
// is started only for commands that take locks.
func (c *cli) open(cmd *cobra.Command, telemetry bool) (*session, error) {
	cmd.SilenceUsage = true
	configFile, err := c.loadConfigFile()
	if err != nil {
		return nil, err
	}
	logger := c.baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(c.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := loggingutil.WithSubsystem(logger, "cli."+cmd.Name())
	if configFile != "" {
		cliLogger.Debug("config.loaded", "path", configFile)
	}

	var cfg dslock.Config
	if err := c.bindConfig(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger}
	if !telemetry {
		return s, nil
	}
	tel, err := dslock.StartTelemetry(cmd.Context(), dslock.TelemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		RuntimeMetrics: cfg.EnableRuntimeMetrics,
	}, loggingutil.WithSubsystem(logger, "cli.telemetry"))
	if err != nil {
		return nil, err
	}
	if tel != nil && tel.MetricsAddr() != "" {
		cliLogger.Info("metrics.listen", "addr", tel.MetricsAddr())
	}
	s.telemetry = tel
	return s, nil
}

func (s *session) options() []dslock.Option {
	return append(s.cfg.Options(), dslock.WithLogger(s.logger))
}

func (s *session) close() {
	if s == nil || s.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry.shutdown.failed", "error", err)
	}
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := dslock.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, dslock.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func (c *cli) bindConfig(cfg *dslock.Config) error {
	dir, err := expandPath(strings.TrimSpace(c.v.GetString("dir")))
	if err != nil {
		return fmt.Errorf("resolve --dir: %w", err)
	}
	cfg.Dir = dir
	cfg.LockTimeout = c.v.GetDuration("lock-timeout")
	cfg.RefreshInterval = c.v.GetDuration("refresh-interval")
	cfg.AcquireTimeout = c.v.GetDuration("acquire-timeout")
	cfg.AcquireTimeoutSet = c.v.IsSet("acquire-timeout")
	steps, err := parseDurations(c.v.GetStringSlice("backoff"))
	if err != nil {
		return fmt.Errorf("parse --backoff: %w", err)
	}
	cfg.Backoff = steps
	cfg.BackoffJitter = c.v.GetFloat64("backoff-jitter")
	cfg.Hostname = strings.TrimSpace(c.v.GetString("hostname"))
	cfg.WriterID = strings.TrimSpace(c.v.GetString("writer-id"))
	if raw := strings.TrimSpace(c.v.GetString("file-mode")); raw != "" {
		mode, err := strconv.ParseUint(raw, 8, 32)
		if err != nil || mode > 0o777 {
			return fmt.Errorf("parse --file-mode %q: want octal permission bits", raw)
		}
		cfg.FileMode = os.FileMode(mode)
	}
	cfg.DisableRecoveryRecheck = c.v.GetBool("disable-recovery-recheck")
	cfg.MetricsListen = strings.TrimSpace(c.v.GetString("metrics-listen"))
	cfg.OTLPEndpoint = strings.TrimSpace(c.v.GetString("otlp-endpoint"))
	cfg.EnableRuntimeMetrics = c.v.GetBool("enable-runtime-metrics")
	return nil
}

// parseDurations accepts list items as well as comma separated values, which
// is what DSLOCK_BACKOFF arrives as.
func parseDurations(items []string) ([]time.Duration, error) {
	var out []time.Duration
	for _, item := range items {
		for _, field := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' }) {
			d, err := time.ParseDuration(strings.Trim(field, "[]"))
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func durationStrings(steps []time.Duration) []string {
	out := make([]string, len(steps))
	for i, d := range steps {
		out[i] = d.String()
	}
	return out
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
