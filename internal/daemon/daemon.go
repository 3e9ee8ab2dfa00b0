package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gefbiotag/biotag/internal/engine"
	"github.com/gefbiotag/biotag/internal/schema"
)

// Engine is the part of *engine.Engine the daemon drives.
type Engine interface {
	CheckConnection(ctx context.Context) bool
	Refresh(ctx context.Context) (bool, error)
	Reachable() bool
	PendingCount() int
	PendingDeletes() int
	Synchronize(ctx context.Context) (engine.SyncSummary, error)
	GetByID(id string) (schema.Record, error)
	GetByTag(tagID string) (schema.Record, error)
	UpdateVitalSign(ctx context.Context, id string, bpm int, capturedAt time.Time) (schema.Record, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// ProbeInterval is how often connectivity is sampled.
	ProbeInterval time.Duration

	// SyncInterval is how often pending work is pushed. Zero disables the
	// periodic pass.
	SyncInterval time.Duration

	// SyncOnReconnect pushes pending work as soon as the service comes back.
	SyncOnReconnect bool

	// InboxDir receives tag readings. Empty disables the inbox.
	InboxDir string

	// Debounce is how long a reading file must be quiet before it is read.
	Debounce time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns the field defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:   5 * time.Second,
		SyncInterval:    30 * time.Second,
		SyncOnReconnect: true,
		Debounce:        200 * time.Millisecond,
	}
}

// Stats counts daemon activity since start.
type Stats struct {
	Probes           int64 `json:"probes"`
	SyncRuns         int64 `json:"sync_runs"`
	SyncFailures     int64 `json:"sync_failures"`
	ReadingsApplied  int64 `json:"readings_applied"`
	ReadingsRejected int64 `json:"readings_rejected"`
	Reloads          int64 `json:"reloads"`
}

// Daemon orchestrates the connectivity probe, periodic synchronization and
// the tag-reading inbox.
type Daemon struct {
	eng    Engine
	config Config
	logger *zap.Logger
	inbox  *InboxWatcher

	statsMu sync.Mutex
	stats   Stats

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon for eng. Zero durations in cfg fall back to
// DefaultConfig values.
func New(eng Engine, cfg Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}

	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.SyncInterval < 0 {
		return nil, fmt.Errorf("sync interval must not be negative")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	d := &Daemon{
		eng:    eng,
		config: cfg,
		logger: cfg.Logger.Named("daemon"),
	}

	if cfg.InboxDir != "" {
		inbox, err := NewInboxWatcher(cfg.InboxDir, d.applyReading, cfg.Debounce, cfg.Logger)
		if err != nil {
			return nil, err
		}
		d.inbox = inbox
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start runs the daemon. It probes once, processes readings already waiting
// in the inbox, starts the background loops and blocks until ctx is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon",
		zap.Duration("probe_interval", d.config.ProbeInterval),
		zap.Duration("sync_interval", d.config.SyncInterval),
		zap.String("inbox", d.config.InboxDir),
	)

	d.probe()

	if d.inbox != nil {
		if err := d.inbox.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start inbox: %w", err)
		}
	}

	d.wg.Add(1)
	go d.probeLoop()
	if d.config.SyncInterval > 0 {
		d.wg.Add(1)
		go d.syncLoop()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for its loops to exit. It is safe to
// call more than once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()
		if d.inbox != nil {
			err = d.inbox.Stop()
		}
		d.wg.Wait()
		d.logger.Info("daemon stopped")
	})
	return err
}

// Stats returns a copy of the activity counters.
func (d *Daemon) Stats() Stats {
	d.statsMu.Lock()
	s := d.stats
	d.statsMu.Unlock()

	if d.inbox != nil {
		s.ReadingsApplied = d.inbox.Processed()
		s.ReadingsRejected = d.inbox.Rejected()
	}
	return s
}

func (d *Daemon) count(fn func(*Stats)) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	fn(&d.stats)
}

func (d *Daemon) probeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.probe()
		}
	}
}

// probe picks up records written by other processes, samples connectivity
// and pushes pending work on reconnect.
func (d *Daemon) probe() {
	d.refresh(d.ctx)

	was := d.eng.Reachable()
	up := d.eng.CheckConnection(d.ctx)
	d.count(func(s *Stats) { s.Probes++ })

	if up && !was && d.config.SyncOnReconnect {
		d.logger.Info("remote service is back")
		d.SyncNow()
	}
}

func (d *Daemon) refresh(ctx context.Context) {
	reloaded, err := d.eng.Refresh(ctx)
	if err != nil {
		d.logger.Warn("failed to check store for other writers", zap.Error(err))
		return
	}
	if reloaded {
		d.count(func(s *Stats) { s.Reloads++ })
	}
}

func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.SyncNow()
		}
	}
}

// SyncNow runs a synchronization pass when the service is reachable and
// there is pending work. It reports whether a pass ran.
func (d *Daemon) SyncNow() bool {
	if !d.eng.Reachable() {
		return false
	}
	if d.eng.PendingCount() == 0 && d.eng.PendingDeletes() == 0 {
		return false
	}

	summary, err := d.eng.Synchronize(d.ctx)
	switch {
	case errors.Is(err, engine.ErrSyncInProgress):
		d.logger.Debug("sync already running")
		return false
	case err != nil:
		d.count(func(s *Stats) { s.SyncRuns++; s.SyncFailures++ })
		d.logger.Warn("sync failed", zap.Error(err))
		return true
	}

	d.count(func(s *Stats) { s.SyncRuns++ })
	if summary.FailedCount() > 0 {
		d.logger.Warn("sync left records pending",
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.FailedCount()),
		)
	}
	return true
}

// applyReading resolves a reading to a record and updates its vital sign.
func (d *Daemon) applyReading(ctx context.Context, r *schema.TagReading) error {
	// The tag may belong to a record another process registered just now.
	d.refresh(ctx)

	var (
		rec schema.Record
		err error
	)
	if r.TagID != "" {
		rec, err = d.eng.GetByTag(r.TagID)
	} else {
		rec, err = d.eng.GetByID(r.RecordID)
	}
	if err != nil {
		return err
	}

	if _, err := d.eng.UpdateVitalSign(ctx, rec.ID, r.BPM, r.CapturedAt); err != nil {
		return err
	}
	d.logger.Debug("reading applied", zap.String("id", rec.ID), zap.Int("bpm", r.BPM))
	return nil
}
