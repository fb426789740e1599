package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/dslock/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the dslock version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			if short {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), info.Version)
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "version", false, "print only the version")
	return cmd
}
