package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/studybuddy/studysync/internal/cache/loadtest"
	"github.com/studybuddy/studysync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "sync",
	Short:   "Measure offline write latency and outbox drain speed",
	Long: `Run a load test against a throwaway cache (never the configured one).

The benchmark:
  1. Seeds a cache with --tasks tasks, --dirty of them saved offline
  2. Runs --writers concurrent offline writers alongside as many readers
  3. Drains the outbox through an in-memory remote with --latency per call

Examples:
  sbsync bench
  sbsync bench --tasks 5000 --writers 50 --writes 20 --latency 5ms`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, _ := cmd.Flags().GetInt("tasks")
		dirty, _ := cmd.Flags().GetFloat64("dirty")
		writers, _ := cmd.Flags().GetInt("writers")
		writes, _ := cmd.Flags().GetInt("writes")
		latency, _ := cmd.Flags().GetDuration("latency")
		if dirty < 0 || dirty > 1 {
			return fmt.Errorf("--dirty must be between 0 and 1")
		}

		dir, err := os.MkdirTemp("", "sbsync-bench-*")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(dir)

		fmt.Printf("%s Seeding %d tasks (%.0f%% offline)...\n", ui.RenderAccent("🔄"), tasks, dirty*100)
		start := time.Now()
		tc, err := loadtest.CreateTestCache(filepath.Join(dir, "bench.db"), tasks, dirty)
		if err != nil {
			return err
		}
		defer tc.Close()
		fmt.Printf("   Seeded in %v\n\n", time.Since(start).Round(time.Millisecond))

		stats, err := tc.RunConcurrentWrites(writers, writes)
		if err != nil {
			return err
		}
		stats.WriteStats(os.Stdout)

		res, err := tc.DrainOutbox(cmd.Context(), &loadtest.EchoRemote{Delay: latency})
		if err != nil {
			return err
		}
		rate := float64(res.Pushed) / res.Elapsed.Seconds()
		fmt.Printf("\n%s Drained %d ops in %v (%.0f ops/s)\n", ui.RenderPass("✓"), res.Pushed, res.Elapsed.Round(time.Millisecond), rate)
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("tasks", 1000, "tasks to seed")
	benchCmd.Flags().Float64("dirty", 0.3, "fraction of seeded tasks saved offline (0.0-1.0)")
	benchCmd.Flags().Int("writers", 20, "concurrent offline writers")
	benchCmd.Flags().Int("writes", 10, "writes per writer")
	benchCmd.Flags().Duration("latency", 0, "simulated remote latency per call")
	rootCmd.AddCommand(benchCmd)
}
