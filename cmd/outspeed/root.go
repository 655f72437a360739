package main

import (
	"github.com/spf13/cobra"

	"github.com/outspeed-ai/outspeed-go/shared"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "outspeed",
		Short:         "Outspeed realtime functions CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	logger := shared.NewStdLogger()

	rootCmd.AddCommand(newDeployCommand(logger))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}
