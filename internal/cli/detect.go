package cli

import (
	"github.com/spf13/cobra"

	"github.com/skywalker-88/canwarden/internal/pipeline"
)

func init() {
	addCommonFlags(detectCmd)
	rootCmd.AddCommand(detectCmd)
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run detection against an already-learned baseline",
	Long: `detect assumes --config already carries a learned baseline (the
learned_config.json a prior "learn" run produced, or a config restored from
the optional persistence cache) and runs every frame in --input straight
through the detectors from the first line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(pipeline.ModeDetect)
	},
}
