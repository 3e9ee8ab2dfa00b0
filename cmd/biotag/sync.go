package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gefbiotag/biotag/internal/engine"
	"github.com/gefbiotag/biotag/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push pending changes to the records service",
	Long: `Push every pending record to the records service and retry remote
deletions that could not be done earlier.

Records that fail stay pending and are retried on the next sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		app := mustOpenApp(ctx)
		defer app.Close()

		if !app.Engine.Reachable() {
			app.Engine.CheckConnection(ctx)
		}

		summary, err := app.Engine.Synchronize(ctx)
		if errors.Is(err, engine.ErrOffline) {
			if jsonOutput {
				printJSON(map[string]any{"error": "offline", "pending": app.Engine.PendingCount()})
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "%s Records service unreachable; %d record(s) stay pending\n",
				ui.RenderWarn("⚠"), app.Engine.PendingCount())
			os.Exit(1)
		}
		exitOn(err, "synchronizing")

		if jsonOutput {
			printJSON(summary)
			return
		}

		if summary.Attempted == 0 && summary.DeletesAttempted == 0 {
			fmt.Printf("%s Nothing to synchronize\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("%s Synchronized in %v\n", ui.RenderAccent("🔄"), summary.Duration().Round(time.Millisecond))
		fmt.Printf("   Records: %d/%d pushed\n", summary.Succeeded, summary.Attempted)
		if summary.DeletesAttempted > 0 {
			fmt.Printf("   Deletions: %d/%d done\n", summary.DeletesSucceeded, summary.DeletesAttempted)
		}
		for _, f := range summary.Failed {
			fmt.Printf("   %s %s: %s\n", ui.RenderFail("✗"), f.ID, f.Error)
		}
		if summary.FailedCount() > 0 || summary.DeletesSucceeded < summary.DeletesAttempted {
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity and pending work",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		app := mustOpenApp(ctx)
		defer app.Close()

		last, synced := app.Engine.LastSyncAt()

		if jsonOutput {
			out := map[string]any{
				"reachable":       app.Engine.Reachable(),
				"offline_only":    app.Config.Offline(),
				"source":          app.Init.Source,
				"records":         len(app.Engine.GetAll()),
				"pending":         app.Engine.PendingCount(),
				"pending_deletes": app.Engine.PendingDeletes(),
			}
			if synced {
				out["last_sync_at"] = last
			}
			printJSON(out)
			return
		}

		fmt.Printf("\n%s\n\n", ui.RenderHeader("biotag status"))
		fmt.Printf("Remote:          %s\n", connectivityLine(app))
		fmt.Printf("Loaded from:     %s\n", app.Init.Source)
		fmt.Printf("Records:         %d\n", len(app.Engine.GetAll()))

		pending := fmt.Sprintf("%d", app.Engine.PendingCount())
		if app.Engine.PendingCount() > 0 {
			pending = ui.RenderWarn(pending)
		}
		fmt.Printf("Pending:         %s\n", pending)
		fmt.Printf("Pending deletes: %d\n", app.Engine.PendingDeletes())

		if synced {
			fmt.Printf("Last sync:       %s (%v ago)\n",
				last.Local().Format("2006-01-02 15:04:05"), time.Since(last).Round(time.Second))
		} else {
			fmt.Printf("Last sync:       %s\n", ui.RenderMuted("never"))
		}
		fmt.Println()
	},
}

var sheltersCmd = &cobra.Command{
	Use:     "shelters",
	GroupID: "records",
	Short:   "Show shelter occupancy",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		app := mustOpenApp(ctx)
		defer app.Close()

		occ := app.Engine.Occupancy()
		if jsonOutput {
			printJSON(occ)
			return
		}

		width := 20
		if w := ui.TerminalWidth(); w > 0 && w < 80 {
			width = 10
		}
		rows := make([][]string, 0, len(occ))
		for _, o := range occ {
			rows = append(rows, []string{o.Shelter.ID, o.Shelter.Name, ui.RenderOccupancy(o, width)})
		}
		fmt.Print(ui.Table([]string{"ID", "SHELTER", "OCCUPANCY"}, rows))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd, sheltersCmd)
}
