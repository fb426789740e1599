package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"pkt.systems/dslock"
	"pkt.systems/dslock/internal/correlation"
	"pkt.systems/dslock/internal/loggingutil"
)

func newRunCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <dataset> -- <command> [args...]",
		Short: "Run a command while holding the dataset lock",
		Long: `Acquire the dataset lock, keep it refreshed while the command runs and
release it when the command exits. The command's exit code is propagated.
If the lock cannot be acquired within --acquire-timeout dslock exits 75.

The command sees DSLOCK_DATASET, DSLOCK_LOCK_PATH, DSLOCK_WRITER_ID and
DSLOCK_RUN_ID in its environment.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.ArgsLenAtDash() != 1 {
				return fmt.Errorf("usage: %s", cmd.UseLine())
			}
			s, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.close()
			return runLocked(cmd, s, args[0], args[1:])
		},
	}
	return cmd
}

func runLocked(cmd *cobra.Command, s *session, dataset string, argv []string) error {
	runID := correlation.Inherit(os.Environ())
	ctx := correlation.With(cmd.Context(), runID)
	logger := loggingutil.WithSubsystem(s.logger, "cli.run").With("dataset", dataset, "run_id", runID)

	locker, err := dslock.New(s.cfg.Dir, dataset, s.options()...)
	if err != nil {
		return err
	}
	guard, err := locker.Lock(ctx, s.cfg.AcquireTimeout)
	if err != nil {
		if dslock.IsAcquireTimeout(err) {
			return &exitCodeError{code: exitTempFail, err: err}
		}
		return err
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	lost := locker.KeepAlive(jobCtx, guard.Token(), s.cfg.RefreshInterval)

	child := exec.CommandContext(jobCtx, argv[0], argv[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	child.Env = append(os.Environ(),
		"DSLOCK_DATASET="+dataset,
		"DSLOCK_LOCK_PATH="+locker.Path(),
		"DSLOCK_WRITER_ID="+locker.WriterID(),
		correlation.EnvVar+"="+runID,
	)
	if err := child.Start(); err != nil {
		cancelJob()
		return errors.Join(fmt.Errorf("start %s: %w", argv[0], err), guard.Close())
	}
	logger.Info("run.child.started", "pid", child.Process.Pid, "command", argv[0])

	waited := make(chan error, 1)
	go func() { waited <- child.Wait() }()

	var childErr, lockErr error
	select {
	case childErr = <-waited:
	case err, ok := <-lost:
		if ok && err != nil {
			lockErr = fmt.Errorf("lock lost while %s was running: %w", argv[0], err)
			logger.Error("run.lock.lost", "error", err)
		}
		cancelJob()
		childErr = <-waited
	}
	cancelJob()
	releaseErr := guard.Close()
	if releaseErr != nil {
		logger.Error("run.release.failed", "error", releaseErr)
	}

	code := 0
	if childErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(childErr, &exitErr) {
			return errors.Join(fmt.Errorf("wait %s: %w", argv[0], childErr), lockErr, releaseErr)
		}
		code = exitErr.ExitCode()
		if code <= 0 {
			code = 1
		}
	}
	logger.Info("run.child.exited", "exit_code", code)
	if lockErr != nil || releaseErr != nil {
		if code == 0 {
			code = 1
		}
		return &exitCodeError{code: code, err: errors.Join(lockErr, releaseErr)}
	}
	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}
