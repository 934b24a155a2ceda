// Package cmd implements the streamwatch command-line interface.
package cmd

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "streamwatch",
	Short: "Filtered-stream crawler manager",
	Long: `streamwatch keeps named filtered-stream crawlers running against the
Twitter v2 API: it packs their targets into rules, spreads the rules across
a pool of credentials, and writes matched records into per-day files.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	// A .env file beside the binary feeds STREAMWATCH_* variables.
	_ = godotenv.Load()
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (STREAMWATCH_* env vars override)")
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
}
