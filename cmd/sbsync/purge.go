package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/studybuddy/studysync/internal/cache/schema"
	"github.com/studybuddy/studysync/internal/ui"
)

var purgeCmd = &cobra.Command{
	Use:     "purge",
	GroupID: "data",
	Short:   "Permanently remove deleted rows that have synced",
	Long: `Remove tombstoned tasks and events from the local cache.

Only rows whose delete has reached the remote are removed. Rows deleted
offline stay until their delete is pushed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan < 0 {
			return fmt.Errorf("--older-than must not be negative")
		}

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		cutoff := a.db.Now().Add(-olderThan)
		total := 0
		for _, table := range []string{schema.TableTasks, schema.TableEvents} {
			n, err := a.db.PurgeTombstones(cmd.Context(), table, cutoff)
			if err != nil {
				return err
			}
			if n > 0 {
				fmt.Printf("%s Purged %d from %s\n", ui.RenderPass("✓"), n, table)
			}
			total += n
		}
		if total == 0 {
			fmt.Println(ui.RenderMuted("Nothing to purge."))
		}
		return nil
	},
}

func init() {
	purgeCmd.Flags().Duration("older-than", 0, "only purge rows deleted at least this long ago")
	rootCmd.AddCommand(purgeCmd)
}
