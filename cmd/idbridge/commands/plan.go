package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/idbridge/idbridge/pkg/engine"
)

func newPlanCommand(version string) *cobra.Command {
	var (
		outFile string
		orgs    []string
		kinds   []string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Generate a sync plan",
		Long: `Generate a sync plan by comparing the Okta directory with the target
Braintrust organizations.

The plan:
  - Lists Okta users and groups and applies the configured sync rules
  - Classifies every resource as create, update, skip, or delete
  - Records a per-item reason for each decision
  - Makes no changes to Braintrust`,
		Example: `  # Generate and display a plan
  idbridge plan

  # Save the full plan as JSON
  idbridge plan --out plan.json

  # Plan for specific organizations only
  idbridge plan --org acme --org acme-staging

  # Plan user items only
  idbridge plan --kind user`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			ctx, span := rt.tracer.Start(cmd.Context(), "plan")
			defer span.End()

			rt.ensureState(fmt.Sprintf("sync_%d", time.Now().Unix()))

			plan, err := rt.planner.GeneratePlan(ctx, orgs, kinds)
			if err != nil {
				return err
			}

			if outFile != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding plan: %w", err)
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("writing plan file: %w", err)
				}
				fmt.Printf("Plan written to %s\n", outFile)
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(plan)
			}
			printPlanSummary(plan)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write full plan JSON to file")
	cmd.Flags().StringSliceVar(&orgs, "org", nil, "limit plan to specific organizations")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "limit plan to resource kinds (user, group)")
	return cmd
}

func printPlanSummary(plan *engine.SyncPlan) {
	fmt.Printf("Plan %s (%d items, estimated %.1f min)\n",
		plan.PlanID, plan.TotalItems, plan.EstimatedDurationMinutes)
	fmt.Printf("  Organizations: %v\n", plan.TargetOrganizations)
	for _, action := range []engine.SyncAction{engine.ActionCreate, engine.ActionUpdate, engine.ActionSkip, engine.ActionDelete} {
		if count := plan.ItemsByAction[action]; count > 0 {
			fmt.Printf("  %-7s %d\n", string(action)+":", count)
		}
	}

	for _, item := range plan.AllItems() {
		if item.Action == engine.ActionSkip {
			continue
		}
		fmt.Printf("  %s %s/%s -> %s: %s\n",
			actionSymbol(item.Action), item.ResourceType, item.OktaResourceID, item.BraintrustOrg, item.Reason)
	}

	for _, warning := range plan.Warnings {
		fmt.Printf("  WARNING: %s\n", warning)
	}
}

func actionSymbol(action engine.SyncAction) string {
	switch action {
	case engine.ActionCreate:
		return "+"
	case engine.ActionUpdate:
		return "~"
	case engine.ActionDelete:
		return "-"
	default:
		return " "
	}
}
