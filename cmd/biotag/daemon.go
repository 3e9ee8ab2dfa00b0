package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gefbiotag/biotag/internal/daemon"
	"github.com/gefbiotag/biotag/internal/dashboard"
	"github.com/gefbiotag/biotag/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Watch connectivity, sync in the background and read tag readings",
	Long: `Run in the foreground until interrupted:

- probe the records service every daemon.probe_interval
- synchronize as soon as it comes back and every daemon.sync_interval
- apply tag readings dropped into daemon.inbox_dir

Unusable reading files are moved to <inbox>/rejected with an .error note.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		app := mustOpenApp(ctx)
		defer app.Close()

		d, err := newDaemon(app, cmd)
		exitOn(err, "creating daemon")

		fmt.Printf("%s Daemon started (remote: %s)\n", ui.RenderAccent("🔄"), connectivityLine(app))
		if inbox := app.Config.Daemon.InboxDir; inbox != "" {
			fmt.Printf("   Inbox: %s\n", inbox)
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		st := d.Stats()
		fmt.Printf("\nDaemon stopped: %d sync run(s), %d failed, %d reading(s) applied, %d rejected, %d reload(s)\n",
			st.SyncRuns, st.SyncFailures, st.ReadingsApplied, st.ReadingsRejected, st.Reloads)
	},
}

func newDaemon(app *App, cmd *cobra.Command) (*daemon.Daemon, error) {
	cfg := daemon.Config{
		ProbeInterval:   app.Config.Daemon.ProbeInterval,
		SyncInterval:    app.Config.Daemon.SyncInterval,
		SyncOnReconnect: app.Config.Daemon.SyncOnReconnect,
		InboxDir:        app.Config.Daemon.InboxDir,
		Debounce:        app.Config.Daemon.Debounce,
		Logger:          app.Logger,
	}
	if cmd.Flags().Changed("no-inbox") {
		if off, _ := cmd.Flags().GetBool("no-inbox"); off {
			cfg.InboxDir = ""
		}
	}
	return daemon.New(app.Engine, cfg)
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Serve the live dashboard and HTTP API",
	Long: `Serve a live view of the shelters over HTTP and WebSocket.

Routes:
  /                      status page
  /ws                    WebSocket feed (record_update, sync_complete, connectivity, stats)
  /health                liveness and pending counts
  /metrics               Prometheus metrics
  /api/records           records (?shelter= &family= &status= &pending= &q=)
  /api/records/{id}      one record
  /api/shelters          occupancy
  POST /api/sync         synchronize now

The daemon loops run alongside unless --no-daemon is given.

Example usage:
  biotag dashboard                 # Start on dashboard.port
  biotag dashboard --port 9000     # Start on custom port`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		app := mustOpenApp(ctx)
		defer app.Close()

		port := app.Config.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		host, _ := cmd.Flags().GetString("host")

		server := dashboard.NewServer(app.Engine, dashboard.Config{
			Host:     host,
			Port:     port,
			Gatherer: app.Registry,
			Logger:   app.Logger,
		})
		detach := dashboard.NewHandler(server, app.Engine, app.Logger).Attach()
		defer detach()

		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Dashboard server started on http://%s\n", server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		if noDaemon, _ := cmd.Flags().GetBool("no-daemon"); noDaemon {
			<-ctx.Done()
		} else {
			d, err := newDaemon(app, cmd)
			if err != nil {
				_ = server.Stop()
				exitOn(err, "creating daemon")
			}
			if err := d.Start(ctx); err != nil {
				app.Logger.Error("daemon stopped", zap.Error(err))
			}
		}

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Dashboard server stopped")
	},
}

func init() {
	daemonCmd.Flags().Bool("no-inbox", false, "Do not watch the inbox directory")

	dashboardCmd.Flags().IntP("port", "p", 0, "Port to listen on (default dashboard.port)")
	dashboardCmd.Flags().String("host", "", "Host to bind (default all interfaces)")
	dashboardCmd.Flags().Bool("no-daemon", false, "Serve only, without probing or syncing")
	dashboardCmd.Flags().Bool("no-inbox", false, "Do not watch the inbox directory")

	rootCmd.AddCommand(daemonCmd, dashboardCmd)
}
