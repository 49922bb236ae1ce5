package cli

import "github.com/spf13/cobra"

// Flag values shared by learn/detect/auto (spec §6.2/§6.4's flag set).
var (
	inputPath           string
	configPath          string
	outputDir           string
	learningDurationSec int
	batchSize           int
	memoryLimitMB       int
	statsIntervalSec    int
	httpAddr            string
)

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", `path to a CAN trace file ("-" for stdin)`)
	cmd.Flags().StringVarP(&configPath, "config", "c", "config/config.json", "path to the JSON configuration file")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "logs", "directory for alert exports and the learned-baseline config")
	cmd.Flags().IntVar(&learningDurationSec, "learning-duration", 0, "override learning_params.initial_learning_window_sec, in seconds (0 keeps the config's value)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 1000, "frames between each memory-pressure check")
	cmd.Flags().IntVar(&memoryLimitMB, "memory-limit", 1024, "memory limit in MB, compared against the Go runtime's memory obtained from the OS (0 disables the memory-pressure check)")
	cmd.Flags().IntVar(&statsIntervalSec, "stats-interval", 60, "seconds between periodic statistics log lines")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "if set, serve /health, /metrics, /stats, /debug/shadow on this address while processing")
	_ = cmd.MarkFlagRequired("input")
}
