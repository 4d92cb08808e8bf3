package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidekick-labs/sidekick/internal/config"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release stale execution locks once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			reclaimed, err := app.orch.SweepStaleLocks(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reclaimed %d stale lock(s)\n", reclaimed)
			return nil
		},
	}
}
