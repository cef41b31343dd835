package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/studybuddy/studysync/internal/cache/dashboard"
	"github.com/studybuddy/studysync/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Serve cache statistics over WebSocket without syncing",
	Long: `Start the WebSocket dashboard on its own, for inspecting a cache that
another process syncs. Clients receive a stats message on connect; /stats
returns the current counts.

Sync lifecycle messages (sync_started, sync_finished, sync_error, conflict)
are only produced by 'sbsync daemon --port N'.

Example usage:
  sbsync dashboard                   # Start on default port 8080
  sbsync dashboard --port 9000       # Start on custom port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.Close()

		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Stats:  a.db,
			Logger: logger,
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		fmt.Printf("%s Dashboard server started on http://localhost:%d\n", ui.RenderPass("✓"), port)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		return server.Stop()
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
