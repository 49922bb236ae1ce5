package cli

import (
	"github.com/spf13/cobra"

	"github.com/skywalker-88/canwarden/internal/pipeline"
)

func init() {
	addCommonFlags(autoCmd)
	rootCmd.AddCommand(autoCmd)
}

var autoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Learn then detect in a single pass (default mode)",
	Long: `auto learns a baseline from the start of --input, switches to detection
the moment the learning window completes, and keeps running detection for
the rest of the trace — a single-process learn-then-detect flow.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(pipeline.ModeAuto)
	},
}
