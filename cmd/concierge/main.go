package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "concierge",
		Short: "Personal assistant that confirms before it acts",
		Long: `Concierge plans multi-step requests with an LLM, runs lookups on its own
and asks for confirmation before anything changes the outside world.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "Config file path (JSON or YAML)")

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(workflowsCmd(&configPath))
	cmd.AddCommand(draftsCmd(&configPath))
	return cmd
}
