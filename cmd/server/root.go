package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "netflow",
	Short: "Workflow net engine with YAWL routing semantics",
	Long: `netflow runs cases of workflow nets: AND/XOR/OR joins and splits,
cancellation regions, composite and multi-instance tasks. Nets are loaded
from YAML or JSON documents and driven over an HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with signal handling
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (YAML); defaults plus NETFLOW_* environment when absent")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}
