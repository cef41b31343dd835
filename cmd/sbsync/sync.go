package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/studybuddy/studysync/internal/cache/schema"
	"github.com/studybuddy/studysync/internal/cache/sync"
	"github.com/studybuddy/studysync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one push and pull cycle",
	Long: `Run one sync cycle in the foreground:
  1. Push queued ops oldest first, stopping at the first failure
  2. Merge staged events for the configured provider
  3. Merge remote task changes (remote configured only)

Conflicts are reported; the losing local edit is kept as a separate row.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		if provider == "" {
			provider = cfg.Sync.Provider
		}

		conflicts := 0
		a, err := openApp(sync.NotifierFunc(func(n sync.Notification) {
			if rec, ok := n.Data.(*schema.ConflictRecord); ok && n.Kind == sync.KindConflict {
				conflicts++
				fmt.Printf("%s Conflict on %s %d: local copy kept as %d (%s)\n",
					ui.RenderWarn("⚠"), rec.Table, rec.OriginalID, rec.ForkID, rec.Title)
			}
		}))
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		start := time.Now()
		fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("🔄"), cfg.SQLitePath)

		push, pushErr := a.repo.PushPending(ctx)
		switch {
		case pushErr != nil:
			fmt.Printf("%s Push stopped: %v\n", ui.RenderWarn("⚠"), pushErr)
		case !a.repo.Online():
			fmt.Printf("   Offline: %d op(s) waiting\n", push.Remaining)
		default:
			fmt.Printf("   Pushed: %d\n", push.Pushed)
		}

		if provider != "" {
			res, err := a.repo.PullEvents(ctx, provider)
			if err != nil {
				return err
			}
			printPull(res)
		}
		if a.repo.Online() {
			res, err := a.repo.PullTasks(ctx)
			if err != nil && !errors.Is(err, sync.ErrNoReader) {
				return err
			}
			if res != nil {
				printPull(res)
			}
		}

		fmt.Printf("%s Sync finished in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		if conflicts > 0 {
			fmt.Printf("   %d conflict(s); see 'sbsync conflicts'\n", conflicts)
		}
		if pushErr != nil {
			return pushErr
		}
		return nil
	},
}

func printPull(res *sync.PullResult) {
	fmt.Printf("   %s: fetched %d, inserted %d, updated %d, kept %d, skipped %d, conflicts %d\n",
		res.Provider, res.Fetched, res.Inserted, res.Updated, res.Kept, res.Skipped, res.Conflicts)
}

var stageCmd = &cobra.Command{
	Use:     "stage <file>...",
	GroupID: "sync",
	Short:   "Stage remote event records from JSON or JSONL files",
	Long: `Stage remote calendar event records for the next pull.

Each file holds records with at least source, title, and updated_at; .jsonl
files hold one record per line, .json files a record or an array of them.
With --pull the staged providers are merged right away.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pull, _ := cmd.Flags().GetBool("pull")

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		providers := make(map[string]bool)
		for _, path := range args {
			events, err := schema.ReadEventRecords(path)
			if err != nil {
				return err
			}
			if err := a.db.StageEvents(ctx, events); err != nil {
				return err
			}
			for _, ev := range events {
				providers[ev.Source] = true
			}
			fmt.Printf("%s Staged %d record(s) from %s\n", ui.RenderPass("✓"), len(events), path)
		}

		if !pull {
			return nil
		}
		for provider := range providers {
			res, err := a.repo.PullEvents(ctx, provider)
			if err != nil {
				return err
			}
			printPull(res)
		}
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List detected merge conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.db.ListConflicts(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println(ui.RenderMuted("No conflicts."))
			return nil
		}
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{
				r.DetectedAt.Local().Format("2006-01-02 15:04"),
				r.Table,
				strconv.FormatInt(r.OriginalID, 10),
				strconv.FormatInt(r.ForkID, 10),
				r.Title,
				string(r.Resolution),
			})
		}
		ui.Table(os.Stdout, []string{"DETECTED", "TABLE", "ORIGINAL", "COPY", "TITLE", "RESOLUTION"}, rows)
		return nil
	},
}

func init() {
	syncCmd.Flags().String("provider", "", "calendar provider to pull (default sync.provider)")
	stageCmd.Flags().Bool("pull", false, "merge staged providers immediately")
	conflictsCmd.Flags().Int("limit", 20, "maximum rows")
	rootCmd.AddCommand(syncCmd, stageCmd, conflictsCmd)
}
