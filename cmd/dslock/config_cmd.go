package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/dslock"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage dslock configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.dslock/" + dslock.DefaultConfigFileName
	if dir, err := dslock.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, dslock.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default dslock configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := dslock.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, dslock.DefaultConfigFileName)
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags. Durations are strings so the
// file stays readable and viper parses them back.
type configDefaults struct {
	Dir                    string   `yaml:"dir"`
	LockTimeout            string   `yaml:"lock-timeout"`
	RefreshInterval        string   `yaml:"refresh-interval"`
	AcquireTimeout         string   `yaml:"acquire-timeout"`
	Backoff                []string `yaml:"backoff"`
	BackoffJitter          float64  `yaml:"backoff-jitter"`
	Hostname               string   `yaml:"hostname"`
	WriterID               string   `yaml:"writer-id"`
	FileMode               string   `yaml:"file-mode"`
	DisableRecoveryRecheck bool     `yaml:"disable-recovery-recheck"`
	MetricsListen          string   `yaml:"metrics-listen"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	EnableRuntimeMetrics   bool     `yaml:"enable-runtime-metrics"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	cfg := dslock.DefaultConfig()
	defaults := configDefaults{
		Dir:             cfg.Dir,
		LockTimeout:     cfg.LockTimeout.String(),
		RefreshInterval: cfg.RefreshInterval.String(),
		AcquireTimeout:  cfg.AcquireTimeout.String(),
		Backoff:         durationStrings(cfg.Backoff),
		BackoffJitter:   cfg.BackoffJitter,
		FileMode:        fmt.Sprintf("%#o", cfg.FileMode),
		LogLevel:        "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	header := []byte("# dslock configuration. Keys match the command line flags;\n# DSLOCK_<FLAG> environment variables override this file.\n")
	return append(header, data...), nil
}
