package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/studybuddy/studysync/internal/cache/daemon"
	"github.com/studybuddy/studysync/internal/cache/dashboard"
	"github.com/studybuddy/studysync/internal/cache/sync"
	"github.com/studybuddy/studysync/internal/ui"
	"github.com/studybuddy/studysync/internal/worker"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync in the foreground",
	Long: `Run the sync daemon until interrupted.

The daemon will:
  1. Push queued ops every sync.interval, or at once when files are staged
  2. Queue event and task pulls, and push retries, on the retrying worker pool
  3. Watch sync.staging_dir for *.json / *.jsonl event files and stage them
  4. Serve the WebSocket dashboard when dashboard.port is set`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
			cfg.Dashboard.Port = port
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx)
	},
}

func runDaemon(ctx context.Context) error {
	// The repo takes the fan-out by pointer so the dashboard, which needs
	// the open cache for stats, can join after it.
	notifiers := sync.Notifiers{}
	a, err := openApp(&notifiers)
	if err != nil {
		return err
	}
	defer a.Close()

	var dash *dashboard.Server
	if cfg.Dashboard.Port > 0 {
		dash = dashboard.NewServer(&dashboard.Config{
			Port:   cfg.Dashboard.Port,
			Stats:  a.db,
			Logger: logger,
		})
		notifiers = append(notifiers, dash)
	}

	pool := worker.New(&worker.Config{
		Size:     cfg.Worker.Size,
		Attempts: cfg.Worker.Attempts,
		Backoff:  cfg.Worker.Backoff,
		OnFailure: func(jobType string, payload any, err error) {
			logger.Error("job gave up", "job", jobType, "payload", payload, "error", err)
		},
		Logger: logger,
	})
	defer pool.Close()
	daemon.RegisterJobs(pool, a.repo)

	scheduler := daemon.NewScheduler(a.repo, pool, &daemon.Config{
		Interval: cfg.Sync.Interval,
		Provider: cfg.Sync.Provider,
		Notifier: &notifiers,
		Logger:   logger,
	})

	watcher, err := daemon.NewStagingWatcher(a.db, &daemon.WatcherConfig{
		Dir: cfg.Sync.StagingDir,
		OnStaged: func(providers []string) {
			for _, p := range providers {
				if p == cfg.Sync.Provider {
					continue // pulled by the triggered cycle
				}
				if err := pool.Submit(daemon.JobSyncAppEvents, p); err != nil {
					logger.Warn("failed to queue pull", "provider", p, "error", err)
				}
			}
			scheduler.TriggerNow()
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
	fmt.Printf("   Cache: %s\n", cfg.SQLitePath)
	fmt.Printf("   Staging: %s\n", cfg.Sync.StagingDir)
	fmt.Printf("   Interval: %s\n", cfg.Sync.Interval)
	if a.repo.Online() {
		fmt.Printf("   Remote: %s\n", cfg.Remote.URL)
	} else {
		fmt.Printf("   Remote: %s\n", ui.RenderWarn("none (local only)"))
	}
	if dash != nil {
		fmt.Printf("   Dashboard: ws://localhost:%d/ws\n", cfg.Dashboard.Port)
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	g, gctx := errgroup.WithContext(ctx)

	if dash != nil {
		g.Go(func() error {
			if err := dash.Start(); err != nil {
				return err
			}
			<-gctx.Done()
			return dash.Stop()
		})
	}

	g.Go(func() error {
		if err := watcher.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return watcher.Stop()
	})

	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})

	err = g.Wait()

	shutdown := time.Now()
	pool.Close()
	logger.Info("daemon stopped", "shutdown", time.Since(shutdown).Round(time.Millisecond))
	return err
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 0, "dashboard port (overrides dashboard.port, 0 = disabled)")
	rootCmd.AddCommand(daemonCmd)
}
