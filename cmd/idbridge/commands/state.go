package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/idbridge/idbridge/pkg/state"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and maintain sync state",
	}
	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateCleanupCommand())
	return cmd
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sync states, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			ids := rt.store.ListStates()
			if len(ids) == 0 {
				fmt.Println("No sync states stored.")
				return nil
			}
			for _, id := range ids {
				line := id
				if st := rt.store.LoadState(id); st != nil {
					line = fmt.Sprintf("%s  status=%s  mappings=%d  started=%s",
						id, st.Status, st.MappingCount(""), st.StartedAt.Format("2006-01-02 15:04:05"))
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show [sync-id]",
		Short: "Show one sync state as JSON (latest when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			var st *state.SyncState
			if len(args) > 0 {
				st = rt.store.LoadState(args[0])
			} else {
				st = rt.store.LatestState()
			}
			if st == nil {
				return fmt.Errorf("sync state not found")
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func newStateCleanupCommand() *cobra.Command {
	var (
		keep      int
		staleDays int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old sync state files and stale resource records",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			if keep <= 0 {
				keep = rt.cfg.State.KeepStates
			}
			removed := rt.store.CleanupOldStates(keep)

			stale := 0
			if staleDays > 0 {
				st := rt.ensureState(fmt.Sprintf("cleanup_%d", time.Now().Unix()))
				stale = rt.store.CleanupStaleResources(time.Duration(staleDays) * 24 * time.Hour)
				if stale > 0 && !rt.store.SaveState(st) {
					return fmt.Errorf("failed to persist cleaned state")
				}
			}

			fmt.Printf("Removed %d old state file(s) and %d stale resource record(s), keeping %d states.\n",
				removed, stale, keep)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 0, "number of states to keep (defaults to config)")
	cmd.Flags().IntVar(&staleDays, "stale-days", 30, "drop managed-resource records not seen for this many days (0 disables)")
	return cmd
}
