// Package main is the entry point for codemd, a media control-plane daemon
// and its command line client.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "codemd",
		Short:         "Media playback control plane",
		Long:          "codemd owns playback state and background download/convert jobs, and serves them over a local control protocol.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCtlCmd())

	return cmd
}
