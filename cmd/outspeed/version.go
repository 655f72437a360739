package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/outspeed-ai/outspeed-go/shared"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the SDK version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), shared.Version+"\n")
			return err
		},
	}
}

// nopCloser adapts a writer to the printer's hook interface without closing
// stdout.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
