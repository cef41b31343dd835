package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/studybuddy/studysync/internal/cache/db"
	"github.com/studybuddy/studysync/internal/cache/schema"
	"github.com/studybuddy/studysync/internal/ui"
)

// statusReport is the machine-readable form of `sbsync status`.
type statusReport struct {
	Cache      string          `json:"cache" yaml:"cache"`
	SizeBytes  int64           `json:"size_bytes" yaml:"size_bytes"`
	ConfigFile string          `json:"config_file,omitempty" yaml:"config_file,omitempty"`
	Remote     string          `json:"remote" yaml:"remote"`
	Stats      *db.Stats       `json:"stats" yaml:"stats"`
	Cursors    []schema.Cursor `json:"cursors" yaml:"cursors"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache and outbox status",
	Long: `Display the local cache status: row counts, pending ops awaiting push,
staged records, detected conflicts, and per-provider pull cursors.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		info, err := os.Stat(cfg.SQLitePath)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Cache not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'sbsync task add' or 'sbsync sync' to create it\n\n")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to stat cache: %w", err)
		}

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		stats, err := a.db.GetStats(ctx)
		if err != nil {
			return err
		}
		cursors, err := a.db.ListCursors(ctx)
		if err != nil {
			return err
		}

		report := statusReport{
			Cache:      cfg.SQLitePath,
			SizeBytes:  info.Size(),
			ConfigFile: cfg.File,
			Remote:     "none (local only)",
			Stats:      stats,
			Cursors:    cursors,
		}
		if cfg.RemoteAttached() {
			report.Remote = cfg.Remote.URL
		}

		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(report)
		case "", "text":
		default:
			return fmt.Errorf("unknown format %q (text, json, yaml)", format)
		}

		fmt.Printf("\n%s StudySync Cache Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location: %s\n", report.Cache)
		fmt.Printf("Size: %s\n", formatSize(report.SizeBytes))
		fmt.Printf("Remote: %s\n", report.Remote)
		fmt.Printf("Tasks: %d\n", stats.Tasks)
		fmt.Printf("Events: %d\n", stats.Events)
		fmt.Printf("Deleted: %d\n", stats.Tombstoned)

		pending := fmt.Sprintf("%d", stats.Pending)
		if stats.Pending > 0 {
			pending = ui.RenderWarn(pending)
		}
		fmt.Printf("Pending ops: %s (%d dirty rows)\n", pending, stats.Dirty)
		fmt.Printf("Staged records: %d\n", stats.Staged)
		if stats.Conflicts > 0 {
			fmt.Printf("Conflicts: %s (see 'sbsync conflicts')\n", ui.RenderWarn(fmt.Sprintf("%d", stats.Conflicts)))
		}
		for _, c := range cursors {
			fmt.Printf("Cursor %s: %s\n", c.Provider, c.Cursor.Local().Format(time.RFC3339))
		}
		fmt.Println()
		return nil
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}

func init() {
	statusCmd.Flags().String("format", "text", "output format: text, json, yaml")
	rootCmd.AddCommand(statusCmd)
}
