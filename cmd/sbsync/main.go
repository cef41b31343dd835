// Command sbsync manages the offline-first StudySync cache: local task and
// event edits, the pending-operations outbox, and background sync.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/studybuddy/studysync/internal/config"
	"github.com/studybuddy/studysync/internal/logging"
	"github.com/studybuddy/studysync/internal/ui"
)

var (
	cfgFile   string
	logLevel  string
	noColor   bool
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "sbsync",
	Short: "Offline-first sync for StudySync tasks and calendar events",
	Long: `sbsync keeps a local SQLite cache of study tasks and calendar events.

Writes land in the cache first. When the remote backend is reachable they are
pushed immediately; otherwise they wait in the outbox until the next sync.
Remote changes are merged back with last-write-wins, and a local edit that
loses to a newer remote row is preserved as a conflict copy.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.studysync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if noColor {
		ui.DisableColor()
	}

	logger, logCloser, err = logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
