package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	userID     string
	planTier   string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coinscribe",
		Short: "Coinscribe - Crypto Analytics Report Engine",
		Long: `Coinscribe executes declarative recipes of crypto-market datasets and
assembles the results into downloadable reports.

Features:
  - Declarative recipes of provider datasets
  - Concurrent fetching with per-user API keys (BYOK)
  - Redistribution policy enforcement via OPA/rego
  - Short-TTL response caching
  - Multi-sheet Excel and JSON preview output`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "local", "user identity for key lookup and usage records")
	rootCmd.PersistentFlags().StringVar(&planTier, "plan", "pro", "plan tier to resolve for CLI runs (free, starter, pro)")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newKeysCommand())

	return rootCmd
}
