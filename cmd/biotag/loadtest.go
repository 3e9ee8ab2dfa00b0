package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gefbiotag/biotag/internal/engine"
	"github.com/gefbiotag/biotag/internal/loadtest"
	"github.com/gefbiotag/biotag/internal/remote"
	"github.com/gefbiotag/biotag/internal/schema"
	"github.com/gefbiotag/biotag/internal/store"
	"github.com/gefbiotag/biotag/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Exercise the engine with concurrent workers",
	Long: `Run concurrent workers that register people, record heart rates, edit,
remove and synchronize against an isolated engine, then check that the store
holds exactly what the engine holds.

The run never touches your configured store or records service: it uses a
temporary SQLite database (or memory with --store memory) and a simulated
records service.

Examples:
  biotag loadtest
  biotag loadtest --workers 32 --ops 200
  biotag loadtest --latency 5ms --flaky 20ms`,
	Run: runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("workers", 8, "Number of concurrent workers")
	loadtestCmd.Flags().Int("ops", 50, "Operations per worker")
	loadtestCmd.Flags().Int64("seed", 1, "Random seed")
	loadtestCmd.Flags().String("store", store.DriverSQLite, "Store driver (sqlite, memory)")
	loadtestCmd.Flags().Duration("latency", 0, "Simulated remote latency per call")
	loadtestCmd.Flags().Duration("flaky", 0, "Toggle remote connectivity at this interval (0 keeps it up)")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	workers, _ := cmd.Flags().GetInt("workers")
	ops, _ := cmd.Flags().GetInt("ops")
	seed, _ := cmd.Flags().GetInt64("seed")
	driver, _ := cmd.Flags().GetString("store")
	latency, _ := cmd.Flags().GetDuration("latency")
	flaky, _ := cmd.Flags().GetDuration("flaky")

	if workers <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --workers must be positive\n")
		os.Exit(1)
	}
	if ops <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --ops must be positive\n")
		os.Exit(1)
	}
	if driver != store.DriverSQLite && driver != store.DriverMemory {
		fmt.Fprintf(os.Stderr, "Error: --store must be 'sqlite' or 'memory'\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	stCfg := store.Config{Driver: driver}
	if driver == store.DriverSQLite {
		dir, err := os.MkdirTemp("", "biotag-loadtest-*")
		exitOn(err, "creating temp dir")
		defer os.RemoveAll(dir)
		stCfg.Path = filepath.Join(dir, "loadtest.db")
	}
	st, err := store.Open(ctx, stCfg)
	exitOn(err, "opening store")
	defer st.Close()

	fake := remote.NewFake()
	fake.SetLatency(latency)

	eng, err := engine.New(engine.Config{
		Store:      st,
		Gateway:    fake,
		Shelters:   schema.DefaultShelters(),
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	exitOn(err, "creating engine")
	if _, err := eng.Initialize(ctx); err != nil {
		exitOn(err, "initializing engine")
	}

	if flaky > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(flaky)
			defer ticker.Stop()
			online := true
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					online = !online
					fake.SetOnline(online)
				}
			}
		}()
	}

	if !jsonOutput {
		fmt.Printf("%s Load test: %d workers x %d ops on %s store\n\n", ui.RenderAccent("🔄"), workers, ops, driver)
	}

	report, err := loadtest.Run(ctx, eng, loadtest.Config{Workers: workers, OpsPerWorker: ops, Seed: seed})
	exitOn(err, "running load test")

	verifyErr := loadtest.VerifyWriteThrough(ctx, eng, st)

	if jsonOutput {
		out := map[string]any{"report": report, "write_through_ok": verifyErr == nil}
		if verifyErr != nil {
			out["write_through_error"] = verifyErr.Error()
		}
		printJSON(out)
	} else {
		report.Print(os.Stdout)
		fmt.Println()
		if verifyErr == nil {
			fmt.Printf("%s Store matches engine (%d records, %d pending)\n",
				ui.RenderPass("✓"), len(eng.GetAll()), eng.PendingCount())
		} else {
			fmt.Printf("%s %v\n", ui.RenderFail("✗"), verifyErr)
		}
	}

	if verifyErr != nil || report.TotalErrors() > 0 || len(report.Failures) > 0 {
		os.Exit(1)
	}
}
