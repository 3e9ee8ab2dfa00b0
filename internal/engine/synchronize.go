package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gefbiotag/biotag/internal/remote"
	"github.com/gefbiotag/biotag/internal/schema"
)

// SyncFailure is one record that could not be pushed. Err wraps ErrRemote.
type SyncFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// SyncSummary reports a synchronization pass.
type SyncSummary struct {
	Attempted        int           `json:"attempted"`
	Succeeded        int           `json:"succeeded"`
	Failed           []SyncFailure `json:"failed,omitempty"`
	DeletesAttempted int           `json:"deletes_attempted"`
	DeletesSucceeded int           `json:"deletes_succeeded"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
}

// FailedCount returns the number of records that stayed pending.
func (s SyncSummary) FailedCount() int {
	return len(s.Failed)
}

// Duration returns how long the pass took.
func (s SyncSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Synchronize pushes every pending record to the remote service with update
// (falling back to create for records the service does not know) and retries
// outstanding remote deletions.
//
// Each push is independent: a failure leaves that record pending and the
// pass continues. The record set is persisted once at the end and the last
// sync time is stamped even when some pushes failed. Pending deletes for ids
// that are live again locally are dropped without calling the service.
//
// Synchronize returns ErrOffline when the service is unreachable and
// ErrSyncInProgress when another pass is running.
func (e *Engine) Synchronize(ctx context.Context) (SyncSummary, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		e.metrics.syncRuns.WithLabelValues(syncResultBusy).Inc()
		return SyncSummary{}, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	e.mu.Lock()
	defer e.unlock()

	if !e.reachable.Load() {
		e.metrics.syncRuns.WithLabelValues(syncResultOffline).Inc()
		return SyncSummary{}, ErrOffline
	}

	if _, err := e.refreshLocked(ctx); err != nil {
		e.logger.Warn("could not check the store for other writers", zap.Error(err))
	}

	summary := SyncSummary{StartedAt: e.now()}
	cur := e.snap.Load()

	var pending []schema.Record
	for _, id := range cur.order {
		if r := cur.byID[id]; r.Pending() {
			pending = append(pending, r.Clone())
		}
	}
	var tombstones, revived []string
	for _, id := range e.tombstones {
		if _, live := cur.byID[id]; live {
			revived = append(revived, id)
			continue
		}
		tombstones = append(tombstones, id)
	}
	if len(revived) > 0 {
		e.logger.Warn("dropping pending deletes of live records", zap.Strings("ids", revived))
		e.dropTombstones(ctx, revived...)
	}

	if len(pending) == 0 && len(tombstones) == 0 {
		summary.FinishedAt = e.now()
		e.stampLastSync(ctx, summary.FinishedAt)
		e.metrics.syncRuns.WithLabelValues(syncResultOK).Inc()
		e.logger.Debug("nothing to synchronize")
		e.queue(Event{Type: EventSyncComplete, Summary: &summary, Reachable: true})
		return summary, nil
	}

	e.logger.Info("synchronizing",
		zap.Int("pending", len(pending)),
		zap.Int("pending_deletes", len(tombstones)),
	)

	synced := make(map[string]time.Time, len(pending))
	unavailable, pushed := 0, 0
	for _, rec := range pending {
		summary.Attempted++
		if err := e.push(ctx, rec, false); err != nil {
			if remote.IsUnavailable(err) {
				unavailable++
			}
			summary.Failed = append(summary.Failed, SyncFailure{
				ID:    rec.ID,
				Error: err.Error(),
				Err:   fmt.Errorf("%w: %w", ErrRemote, err),
			})
			continue
		}
		pushed++
		summary.Succeeded++
		synced[rec.ID] = rec.UpdatedAt
	}

	var done, remaining []string
	for _, id := range tombstones {
		summary.DeletesAttempted++
		err := e.callRemote(ctx, remote.OpDelete, id, func(ctx context.Context) error {
			return e.gateway.Delete(ctx, id)
		})
		if err == nil || remote.IsNotFound(err) {
			summary.DeletesSucceeded++
			pushed++
			done = append(done, id)
			continue
		}
		if remote.IsUnavailable(err) {
			unavailable++
		}
		remaining = append(remaining, id)
	}

	// callRemote marks the engine unreachable on the first unavailable
	// answer; later successes in the same pass prove otherwise.
	if pushed > 0 && unavailable > 0 {
		e.setReachableLocked(true)
	}

	if len(synced) > 0 {
		// Only the exact versions pushed become synced; a reload may have
		// brought in newer ones.
		err := e.commit(ctx, func(cur *snapshot) (*snapshot, error) {
			next := cur
			for id, at := range synced {
				r, ok := cur.get(id)
				if !ok || !r.Pending() || !r.UpdatedAt.Equal(at) {
					continue
				}
				r.SyncState = schema.SyncSynced
				next = next.with(r)
			}
			if next == cur {
				return nil, nil
			}
			return next, nil
		})
		if err != nil {
			e.metrics.syncRuns.WithLabelValues(syncResultStorage).Inc()
			return summary, err
		}
	}

	if len(done) > 0 {
		e.dropTombstones(ctx, done...)
	}

	summary.FinishedAt = e.now()
	e.stampLastSync(ctx, summary.FinishedAt)

	result := syncResultOK
	if len(summary.Failed) > 0 || len(remaining) > 0 {
		result = syncResultPartial
	}
	e.metrics.syncRuns.WithLabelValues(result).Inc()
	e.metrics.syncDuration.Observe(summary.Duration().Seconds())

	e.logger.Info("synchronization complete",
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.FailedCount()),
		zap.Int("deletes_attempted", summary.DeletesAttempted),
		zap.Int("deletes_succeeded", summary.DeletesSucceeded),
		zap.Duration("duration", summary.Duration()),
	)
	e.queue(Event{Type: EventSyncComplete, Summary: &summary, Reachable: e.reachable.Load()})
	return summary, nil
}

func (e *Engine) stampLastSync(ctx context.Context, t time.Time) {
	if err := e.store.SaveLastSyncAt(ctx, t); err != nil {
		e.logger.Warn("failed to persist last sync time", zap.Error(fmt.Errorf("%w: %w", ErrStorage, err)))
	}
	e.lastSyncAt.Store(&t)
}
