package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentdiff/agentdiff/internal/config"
	"github.com/agentdiff/agentdiff/internal/logging"
)

const Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentdiff",
	Short: "agentdiff - ephemeral SaaS replicas for agent testing",
	Long: `agentdiff provisions isolated, disposable replicas of SaaS services,
routes agent traffic into them, and diffs the resulting state changes
against declarative assertions.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a YAML config file. AGENTDIFF_* environment variables override file values.")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

// HandleError prints error and exits
func HandleError(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates configuration, then initializes logging so
// every subcommand logs at the configured level.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	HandleError(err, "Failed to load configuration")
	if err := cfg.Validate(); err != nil {
		HandleError(err, "Configuration error")
	}
	if err := logging.Initialize(cfg.LogLevel); err != nil {
		HandleError(err, "Failed to setup logging")
	}
	return cfg
}
