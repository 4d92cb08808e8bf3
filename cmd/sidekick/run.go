package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidekick-labs/sidekick/internal/config"
	"github.com/sidekick-labs/sidekick/internal/orchestrator"
)

func newRunCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "run <agent-id>",
		Short: "Trigger a single agent run and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			result, err := app.orch.Run(cmd.Context(), orchestrator.Trigger{
				AgentID: args[0],
				Input:   input,
				Source:  "cli",
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "user input for the run")
	return cmd
}
