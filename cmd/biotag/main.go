// Command biotag registers people at emergency shelters, tracks their heart
// rate from wearable tags, and keeps a field station in step with the
// central records service whether or not the network is up.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gefbiotag/biotag/internal/config"
	"github.com/gefbiotag/biotag/internal/engine"
	"github.com/gefbiotag/biotag/internal/logging"
	"github.com/gefbiotag/biotag/internal/remote"
	"github.com/gefbiotag/biotag/internal/schema"
	"github.com/gefbiotag/biotag/internal/store"
	"github.com/gefbiotag/biotag/internal/ui"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	jsonOutput bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "biotag",
	Short: "Offline-first shelter registration with heart-rate tracking",
	Long: `biotag keeps a local record of every person registered at a shelter,
their family group and their latest heart-rate reading. Changes are saved
locally first and pushed to the central records service when it is reachable.`,
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default .biotag/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// App is everything a command needs, wired from configuration.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    store.Store
	Gateway  remote.Gateway
	Engine   *engine.Engine
	Registry *prometheus.Registry
	Init     engine.InitResult
}

// Close flushes the logger and closes the store.
func (a *App) Close() {
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.Logger.Sync()
}

// loadConfig reads the configuration and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// openApp builds logger, store, gateway and engine, then initializes the
// engine. A failed remote or store read during initialization is logged and
// the app starts degraded.
func openApp(ctx context.Context) (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Service:    "biotag",
	})
	if err != nil {
		return nil, err
	}

	shelters := schema.DefaultShelters()
	if cfg.Shelters.File != "" {
		shelters, err = schema.LoadShelters(cfg.Shelters.File)
		if err != nil {
			return nil, err
		}
	}

	st, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	eng, err := engine.New(engine.Config{
		Store:         st,
		Gateway:       gw,
		Shelters:      shelters,
		Logger:        logger,
		Registerer:    reg,
		RemoteTimeout: cfg.Remote.Timeout,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	res, err := eng.Initialize(ctx)
	if err != nil && !cfg.Offline() {
		logger.Warn("starting degraded", zap.Error(err))
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Gateway:  gw,
		Engine:   eng,
		Registry: reg,
		Init:     res,
	}, nil
}

// newGateway returns the HTTP gateway, or a permanently offline stand-in
// when no service is configured.
func newGateway(cfg *config.Config, logger *zap.Logger) (remote.Gateway, error) {
	if cfg.Offline() {
		fake := remote.NewFake()
		fake.SetOnline(false)
		return fake, nil
	}
	return remote.NewHTTPGateway(remote.HTTPConfig{
		BaseURL:    cfg.Remote.BaseURL,
		Collection: cfg.Remote.Collection,
		HealthPath: cfg.Remote.HealthPath,
		Timeout:    cfg.Remote.Timeout,
		Token:      cfg.Remote.Token,
		MinVersion: cfg.Remote.MinVersion,
		Logger:     logger,
	})
}

// mustOpenApp opens the app or exits.
func mustOpenApp(ctx context.Context) *App {
	app, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return app
}

// commandContext bounds one-shot commands.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}

// exitOn prints err and exits when it is non-nil.
func exitOn(err error, what string) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error %s: %v\n", what, err)
	if engine.IsUserError(err) {
		os.Exit(2)
	}
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

// connectivityLine renders the reachability of the remote service.
func connectivityLine(a *App) string {
	switch {
	case a.Config.Offline():
		return ui.RenderMuted("offline-only (no remote.base_url)")
	case a.Engine.Reachable():
		return ui.RenderPass("online")
	default:
		return ui.RenderWarn("offline")
	}
}
