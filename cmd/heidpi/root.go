package main

import (
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "heidpi",
		Short:         "nDPIsrvd event logger",
		Long:          "heidpi attaches to an nDPIsrvd distributor and writes its flow, daemon, packet and error events to per-category JSON-lines files.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(newStartCmd())
	root.AddCommand(newManCmd())
	return root
}

func newManCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "man",
		Short: "Show the heidpi manual page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := exec.CommandContext(cmd.Context(), "man", "1", "heidpi")
			c.Stdin, c.Stdout, c.Stderr = os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr()
			return c.Run()
		},
	}
}
