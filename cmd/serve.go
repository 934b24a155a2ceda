package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/streamwatch/streamwatch/internal/config"
	"github.com/streamwatch/streamwatch/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawler manager and its ops API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
