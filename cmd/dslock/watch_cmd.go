package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/dslock"
)

func newWatchCommand(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "watch <dataset>",
		Short: "Print lock transitions of a dataset until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validOutput(output); err != nil {
				return err
			}
			s, err := c.open(cmd, false)
			if err != nil {
				return err
			}
			events, err := dslock.Watch(cmd.Context(), s.cfg.Dir, args[0], s.options()...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for ev := range events {
				if output != outputText {
					if err := writeStructured(out, output, ev); err != nil {
						return err
					}
					continue
				}
				if _, err := fmt.Fprintln(out, eventLine(ev)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format (text, json, yaml)")
	return cmd
}

func eventLine(ev dslock.Event) string {
	line := fmt.Sprintf("%s %-9s %s", ev.At.UTC().Format(time.RFC3339), ev.Kind, stateOf(ev.Status))
	st := ev.Status
	if st.Present && !st.Malformed {
		line += fmt.Sprintf(" pid=%d host=%s writer=%s expires=%s", st.PID, st.Hostname, st.WriterID, st.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if st.Malformed {
		line += " problem=" + st.Problem
	}
	return line
}
