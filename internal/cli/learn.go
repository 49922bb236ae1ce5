package cli

import (
	"github.com/spf13/cobra"

	"github.com/skywalker-88/canwarden/internal/pipeline"
)

func init() {
	addCommonFlags(learnCmd)
	rootCmd.AddCommand(learnCmd)
}

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Learn a per-ID baseline from a CAN trace and write it to --output-dir",
	Long: `learn feeds every frame in --input to the Baseline Engine and never starts
detection, even once the learning window completes. The resulting baseline is
written to <output-dir>/learned_config.json for a later "detect" run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(pipeline.ModeLearn)
	},
}
