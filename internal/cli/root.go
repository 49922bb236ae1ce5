// Package cli implements the canwarden command-line driver (spec §6.4): a Cobra root
// command with learn/detect/auto subcommands, each feeding a CAN trace file through the
// detection pipeline.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "canwarden",
	Short: "CAN-bus intrusion detection system",
	Long: `canwarden learns a per-ID baseline from CAN bus traffic, then detects
dropped frames, tampered payloads, replayed frames, and unknown IDs against
that baseline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command, exiting 1 on any returned error per spec §7's exit-code
// contract (ConfigError and friends surface here as an ordinary returned error).
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
