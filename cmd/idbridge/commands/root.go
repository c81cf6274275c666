package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
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
		Use:   "idbridge",
		Short: "idbridge - Okta to Braintrust identity sync",
		Long: `idbridge keeps Braintrust organization members and groups converged with
an Okta directory using a declarative plan/apply workflow.

Features:
  - Plan generation with per-item reasons before any change is made
  - Dry-run execution that touches nothing in Braintrust
  - Persistent resource mappings with self-healing recreate
  - Opt-in deletion with per-kind safety policies
  - Drift detection for managed roles and ACLs
  - JSONL audit trail per execution`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "idbridge.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand(version))
	rootCmd.AddCommand(newApplyCommand(version))
	rootCmd.AddCommand(newStateCommand())

	return rootCmd
}
