package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	dbPath     string
	actor      string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tokenflow",
		Short: "tokenflow - Process execution engine",
		Long: `tokenflow runs process definitions as trees of executions and lets operators
move running instances to different activities.

Features:
  - YAML process definitions validated with CUE
  - Starlark expressions for conditions and multi-instance loops
  - Parallel, exclusive and inclusive gateways, sub-processes and call activities
  - Change-state requests guarded by OPA policies
  - Timer jobs fired by a polling scheduler
  - SQLite persistence with full event history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "cli", "actor recorded in the audit trail and passed to policies")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newCompleteCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newFireTimerCommand())
	rootCmd.AddCommand(newMoveCommand())
	rootCmd.AddCommand(newMoveAllCommand())
	rootCmd.AddCommand(newTreeCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newInstancesCommand())
	rootCmd.AddCommand(newSchedulerCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}
