package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/dslock"
	"pkt.systems/dslock/internal/loggingutil"
)

func newRecoverCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover <dataset>",
		Short: "Remove the dataset lock if its holder is gone or it has expired",
		Long: `Classify the current lock record and, when it is stale or malformed,
move it aside and delete it the same way a contending writer would.
A lock with a live holder is left alone and the command fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.close()
			locker, err := dslock.New(s.cfg.Dir, args[0], s.options()...)
			if err != nil {
				return err
			}
			dataset := args[0]
			st, err := locker.Recover(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !st.Present {
				_, err = fmt.Fprintf(out, "no lock on %s\n", dataset)
				return err
			}
			loggingutil.WithSubsystem(s.logger, "cli.recover").Info("lock.recovered",
				"dataset", dataset, "reason", st.Reason, "holder_pid", st.PID, "holder_host", st.Hostname)
			_, err = fmt.Fprintf(out, "recovered %s: %s\n", dataset, st.Verdict())
			return err
		},
	}
	return cmd
}
