package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gefbiotag/biotag/internal/engine"
	"github.com/gefbiotag/biotag/internal/schema"
)

// RejectedDir is the inbox subdirectory that receives unusable readings.
const RejectedDir = "rejected"

// ApplyFunc applies one reading. Errors classified by engine.IsUserError
// reject the file; any other error leaves it in the inbox for a later run.
type ApplyFunc func(ctx context.Context, r *schema.TagReading) error

// InboxWatcher watches a directory for tag-reading files and applies each
// one once it has been quiet for the debounce interval.
type InboxWatcher struct {
	dir      string
	apply    ApplyFunc
	debounce time.Duration
	logger   *zap.Logger

	watcher *fsnotify.Watcher

	queueMu sync.Mutex
	queue   map[string]time.Time // path -> last event

	processed atomic.Int64
	rejected  atomic.Int64

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInboxWatcher creates a watcher for dir. It must be started with Start.
func NewInboxWatcher(dir string, apply ApplyFunc, debounce time.Duration, logger *zap.Logger) (*InboxWatcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("inbox directory cannot be empty")
	}
	if apply == nil {
		return nil, fmt.Errorf("apply function cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &InboxWatcher{
		dir:      dir,
		apply:    apply,
		debounce: debounce,
		logger:   logger.Named("inbox"),
		watcher:  watcher,
		queue:    make(map[string]time.Time),
	}, nil
}

// Start creates the inbox if needed, applies the readings already in it and
// begins watching for new ones.
func (w *InboxWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("inbox watcher already running")
	}

	if err := os.MkdirAll(filepath.Join(w.dir, RejectedDir), 0755); err != nil {
		return fmt.Errorf("failed to create inbox %s: %w", w.dir, err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", w.dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	if err := w.ProcessExisting(ctx); err != nil {
		w.logger.Warn("failed to scan inbox", zap.Error(err))
	}

	w.wg.Add(2)
	go w.watchEvents(ctx)
	go w.processQueue(ctx)

	w.logger.Info("watching inbox", zap.String("dir", w.dir))
	return nil
}

// Stop stops watching and waits for in-flight work to finish. A watcher
// cannot be restarted once stopped.
func (w *InboxWatcher) Stop() error {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	if wasRunning {
		cancel()
	}

	var err error
	w.closeOnce.Do(func() { err = w.watcher.Close() })
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close inbox watcher: %w", err)
	}
	return nil
}

// IsRunning reports whether the watcher has been started and not stopped.
func (w *InboxWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Processed returns how many readings were applied.
func (w *InboxWatcher) Processed() int64 { return w.processed.Load() }

// Rejected returns how many reading files were moved to the rejected folder.
func (w *InboxWatcher) Rejected() int64 { return w.rejected.Load() }

// ProcessExisting applies every reading file currently in the inbox, oldest
// name first.
func (w *InboxWatcher) ProcessExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox %s: %w", w.dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isReadingFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.processFile(ctx, filepath.Join(w.dir, name))
	}
	return nil
}

func isReadingFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// watchEvents queues reading files as they are created or written.
func (w *InboxWatcher) watchEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(w.dir) || !isReadingFile(filepath.Base(event.Name)) {
				continue
			}
			w.logger.Debug("file event", zap.String("op", event.Op.String()), zap.String("path", event.Name))
			w.enqueue(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *InboxWatcher) enqueue(path string) {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	w.queue[path] = time.Now()
}

// processQueue applies queued files once they have been quiet long enough.
func (w *InboxWatcher) processQueue(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, path := range w.due(time.Now()) {
				w.processFile(ctx, path)
			}
		}
	}
}

// due removes and returns the queued paths whose debounce has elapsed.
func (w *InboxWatcher) due(now time.Time) []string {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()

	var ready []string
	for path, queuedAt := range w.queue {
		if now.Sub(queuedAt) < w.debounce {
			continue
		}
		ready = append(ready, path)
		delete(w.queue, path)
	}
	sort.Strings(ready)
	return ready
}

// processFile applies one reading file, then removes or rejects it.
func (w *InboxWatcher) processFile(ctx context.Context, path string) {
	reading, err := schema.ReadTagReading(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		w.reject(path, err)
		return
	}

	if err := w.apply(ctx, reading); err != nil {
		if engine.IsUserError(err) {
			w.reject(path, err)
			return
		}
		w.logger.Warn("reading kept for retry", zap.String("path", path), zap.Error(err))
		return
	}

	w.processed.Add(1)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("failed to remove processed reading", zap.String("path", path), zap.Error(err))
	}
}

// reject moves path into the rejected folder next to a .error note.
func (w *InboxWatcher) reject(path string, cause error) {
	w.rejected.Add(1)
	w.logger.Warn("reading rejected", zap.String("path", path), zap.Error(cause))

	dest := filepath.Join(w.dir, RejectedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("failed to move rejected reading", zap.String("path", path), zap.Error(err))
		return
	}
	if err := os.WriteFile(dest+".error", []byte(cause.Error()+"\n"), 0644); err != nil {
		w.logger.Warn("failed to write rejection note", zap.String("path", dest), zap.Error(err))
	}
}
