package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "cogbot",
	Short:        "Extensible chat command bot",
	Long:         "cogbot connects to a chat gateway, loads command extensions, and persists its logs to a pooled store.",
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
