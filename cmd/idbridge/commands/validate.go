package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/idbridge/idbridge/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var checkConnectivity bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and initialize sync state",
		Long: `Validate the configuration file and prepare the state store.

This command checks:
  - YAML syntax and environment variable expansion
  - Field constraints (required credentials, value ranges)
  - Cross-field rules (identity strategy prerequisites)
  - Okta and Braintrust API connectivity (with --connectivity)

It also ensures an initial sync state exists so plan and apply can run.`,
		Example: `  # Validate the default config file
  idbridge validate

  # Validate a specific config with connectivity checks
  idbridge validate -c prod.yaml --connectivity`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fmt.Printf("Configuration valid: %s\n", configPath)
			fmt.Printf("  Okta domain:      %s\n", cfg.Okta.Domain)
			fmt.Printf("  Braintrust orgs:  %v\n", cfg.Braintrust.OrgNames())
			fmt.Printf("  Users enabled:    %v\n", cfg.Sync.Users.Enabled)
			fmt.Printf("  Groups enabled:   %v\n", cfg.Sync.Groups.Enabled)

			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			st := rt.ensureState(fmt.Sprintf("sync_%d", time.Now().Unix()))
			if !rt.store.SaveState(st) {
				return fmt.Errorf("could not save initial sync state")
			}
			fmt.Printf("  Sync state:       %s\n", st.SyncID)

			if checkConnectivity {
				problems := rt.planner.ValidatePreconditions(cmd.Context(), nil)
				if len(problems) > 0 {
					for _, p := range problems {
						fmt.Printf("  CONNECTIVITY: %s\n", p)
					}
					return fmt.Errorf("%d connectivity problem(s) found", len(problems))
				}
				fmt.Println("  Connectivity:     ok")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkConnectivity, "connectivity", false, "check API connectivity")
	return cmd
}
