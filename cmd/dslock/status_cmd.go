package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/dslock"
)

func newStatusCommand(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status <dataset>",
		Short: "Show who holds the dataset lock and whether it is stale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validOutput(output); err != nil {
				return err
			}
			s, err := c.open(cmd, false)
			if err != nil {
				return err
			}
			st, err := dslock.Inspect(s.cfg.Dir, args[0], s.options()...)
			if err != nil {
				return err
			}
			if output == outputText {
				return writeStatusText(cmd.OutOrStdout(), st)
			}
			return writeStructured(cmd.OutOrStdout(), output, st)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format (text, json, yaml)")
	return cmd
}
