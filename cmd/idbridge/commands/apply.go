package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/idbridge/idbridge/pkg/engine"
)

func newApplyCommand(version string) *cobra.Command {
	var (
		dryRun      bool
		autoApprove bool
		orgs        []string
		kinds       []string
		skipChecks  bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Plan and execute a sync",
		Long: `Generate a sync plan and execute it against the target Braintrust
organizations.

This command:
  - Validates API connectivity before touching anything
  - Generates a fresh plan and shows its summary
  - Prompts for approval unless --auto-approve or --dry-run
  - Executes users before groups on a bounded worker pool
  - Records mappings, audit events, and a state checkpoint
  - Runs drift detection for managed roles and ACLs`,
		Example: `  # Preview without making changes
  idbridge apply --dry-run

  # Apply with approval prompt
  idbridge apply

  # Apply without prompting
  idbridge apply --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			ctx, span := rt.tracer.Start(cmd.Context(), "apply")
			defer span.End()

			rt.ensureState(fmt.Sprintf("sync_%d", time.Now().Unix()))

			if !skipChecks {
				if problems := rt.planner.ValidatePreconditions(ctx, orgs); len(problems) > 0 {
					for _, p := range problems {
						fmt.Fprintf(os.Stderr, "PRECONDITION: %s\n", p)
					}
					return fmt.Errorf("%d precondition(s) failed", len(problems))
				}
			}

			plan, err := rt.planner.GeneratePlan(ctx, orgs, kinds)
			if err != nil {
				return err
			}
			printPlanSummary(plan)

			if plan.ActionableItems() == 0 {
				fmt.Println("Nothing to do.")
				return nil
			}

			if !dryRun && !autoApprove {
				if !confirm(plan) {
					fmt.Println("Apply cancelled.")
					return nil
				}
			}

			rt.executor.OnProgress(func(progress *engine.ExecutionProgress) {
				rt.logger.Info().
					Str("phase", string(progress.CurrentPhase)).
					Int("completed", progress.CompletedItems).
					Int("failed", progress.FailedItems).
					Int("total", progress.TotalItems).
					Msg("Sync progress")
			})

			progress, err := rt.executor.ExecuteSyncPlan(ctx, plan, dryRun)
			if err != nil {
				return err
			}

			completed, failed, skipped := progress.Counts()
			fmt.Printf("Execution %s finished: %d completed, %d failed, %d skipped (%.1fs)\n",
				progress.ExecutionID, completed, failed, skipped, progress.Duration().Seconds())
			for _, warning := range progress.Snapshot().Warnings {
				fmt.Printf("  WARNING: %s\n", warning)
			}

			if failed > 0 {
				return fmt.Errorf("%d item(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and report without changing Braintrust")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the approval prompt")
	cmd.Flags().StringSliceVar(&orgs, "org", nil, "limit sync to specific organizations")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "limit sync to resource kinds (user, group)")
	cmd.Flags().BoolVar(&skipChecks, "skip-preconditions", false, "skip connectivity precondition checks")
	return cmd
}

func confirm(plan *engine.SyncPlan) bool {
	fmt.Printf("Apply %d change(s)? Only 'yes' is accepted: ", plan.ActionableItems())
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(answer) == "yes"
}
