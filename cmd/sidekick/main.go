// Package main is the entry point for the sidekick agent service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sidekick",
		Short: "Autonomous assistant agent service",
		Long: `Sidekick runs goal-driven assistant agents: a ReAct loop over
pluggable LLM providers with provider health tracking, per-agent
execution locking, two-tier retry, and session archiving.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Local development keeps API keys in a .env file.
			_ = godotenv.Load()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "sidekick.yaml", "Path to config file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newSweepCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
