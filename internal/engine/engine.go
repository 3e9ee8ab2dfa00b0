// Package engine is the offline-first reconciliation layer for shelter records.
//
// The Engine owns the authoritative record set. It mediates every read and
// write between the local record store and the remote records service, keeps
// each record's sync state, and runs synchronization passes that push locally
// modified records to the remote service.
//
// Guarantees:
//   - every mutation persists the whole record set before it returns
//     (write-through); a store failure leaves memory untouched
//   - a record is synced only after a remote write of that exact version
//     succeeded; any later local change makes it pending again
//   - updatedAt never moves backwards for a record
//   - mutations run one at a time; readers always see a complete snapshot
//   - when another process saved to the same store first, the record set is
//     reloaded and the mutation reapplied on top of it; nothing is overwritten
//     unseen
//
// Synchronization is last-local-write-wins: pending records are pushed with
// update and the remote copy is overwritten without conflict detection.
//
// Example:
//
//	eng, err := engine.New(engine.Config{Store: st, Gateway: gw})
//	if err != nil {
//	    return err
//	}
//	if _, err := eng.Initialize(ctx); err != nil {
//	    log.Printf("starting degraded: %v", err)
//	}
//	rec, err := eng.Register(ctx, schema.Candidate{Name: "Maria", ShelterID: "shelter-1"})
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/gefbiotag/biotag/internal/remote"
	"github.com/gefbiotag/biotag/internal/schema"
	"github.com/gefbiotag/biotag/internal/store"
)

// Config wires an Engine to its collaborators.
type Config struct {
	Store   store.Store
	Gateway remote.Gateway

	// Shelters is the reference catalogue used by Occupancy.
	// Defaults to schema.DefaultShelters().
	Shelters *schema.Catalog

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Registerer receives the engine's Prometheus collectors. When nil a
	// private registry is used.
	Registerer prometheus.Registerer

	// Now defaults to time.Now.
	Now func() time.Time

	// NewID defaults to "p-" followed by a random UUID.
	NewID func() string

	// RemoteTimeout bounds each remote call. Defaults to remote.DefaultTimeout.
	RemoteTimeout time.Duration
}

// Source tells where Initialize obtained the record set.
type Source string

const (
	SourceRemote Source = "remote"
	SourceStore  Source = "store"
	SourceEmpty  Source = "empty"
)

// InitResult describes the outcome of Initialize.
type InitResult struct {
	Source  Source
	Records int
	Pending int
}

// Engine is the reconciliation engine. Create it with New; it is safe for
// concurrent use.
type Engine struct {
	store         store.Store
	gateway       remote.Gateway
	shelters      *schema.Catalog
	logger        *zap.Logger
	metrics       *metrics
	now           func() time.Time
	newID         func() string
	remoteTimeout time.Duration

	// mu serializes mutations. Fields below it are guarded by mu.
	mu         sync.Mutex
	tombstones []string
	outbox     []Event
	gen        int64 // store generation the in-memory state reflects

	snap        atomic.Pointer[snapshot]
	lastSyncAt  atomic.Pointer[time.Time]
	reachable   atomic.Bool
	syncing     atomic.Bool
	deleteCount atomic.Int64

	listenersMu  sync.RWMutex
	listeners    []subscription
	nextListener int
}

// New creates an engine with an empty record set. Call Initialize before use.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine requires a record store")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("engine requires a remote gateway")
	}

	if cfg.Shelters == nil {
		cfg.Shelters = schema.DefaultShelters()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return "p-" + uuid.NewString() }
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = remote.DefaultTimeout
	}

	e := &Engine{
		store:         cfg.Store,
		gateway:       cfg.Gateway,
		shelters:      cfg.Shelters,
		logger:        cfg.Logger.Named("engine"),
		metrics:       newMetrics(cfg.Registerer),
		now:           cfg.Now,
		newID:         cfg.NewID,
		remoteTimeout: cfg.RemoteTimeout,
	}
	e.snap.Store(newSnapshot(nil))
	e.metrics.observeSnapshot(e.snap.Load())
	e.metrics.observeReachable(false)
	return e, nil
}

// snapshot is an immutable view of the record set. Mutations build a new
// snapshot and swap it in once it is persisted.
type snapshot struct {
	byID  map[string]schema.Record
	order []string
}

func newSnapshot(records []schema.Record) *snapshot {
	s := &snapshot{byID: make(map[string]schema.Record, len(records))}
	for _, r := range records {
		if _, dup := s.byID[r.ID]; !dup {
			s.order = append(s.order, r.ID)
		}
		s.byID[r.ID] = r.Clone()
	}
	return s
}

func (s *snapshot) get(id string) (schema.Record, bool) {
	r, ok := s.byID[id]
	if !ok {
		return schema.Record{}, false
	}
	return r.Clone(), true
}

func (s *snapshot) list() []schema.Record {
	out := make([]schema.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

func (s *snapshot) pendingCount() int {
	n := 0
	for _, r := range s.byID {
		if r.Pending() {
			n++
		}
	}
	return n
}

// tagOwner returns the id of the record carrying tagID.
func (s *snapshot) tagOwner(tagID string) (string, bool) {
	if tagID == "" {
		return "", false
	}
	for _, id := range s.order {
		if s.byID[id].TagID == tagID {
			return id, true
		}
	}
	return "", false
}

// with returns a copy of s in which r is inserted or replaced.
func (s *snapshot) with(r schema.Record) *snapshot {
	next := &snapshot{
		byID:  make(map[string]schema.Record, len(s.byID)+1),
		order: make([]string, len(s.order), len(s.order)+1),
	}
	for id, rec := range s.byID {
		next.byID[id] = rec
	}
	copy(next.order, s.order)
	if _, ok := next.byID[r.ID]; !ok {
		next.order = append(next.order, r.ID)
	}
	next.byID[r.ID] = r.Clone()
	return next
}

// without returns a copy of s with id removed.
func (s *snapshot) without(id string) *snapshot {
	next := &snapshot{
		byID:  make(map[string]schema.Record, len(s.byID)),
		order: make([]string, 0, len(s.order)),
	}
	for _, rid := range s.order {
		if rid == id {
			continue
		}
		next.byID[rid] = s.byID[rid]
		next.order = append(next.order, rid)
	}
	return next
}

// ===== Reads =====

// GetAll returns every record in insertion order.
func (e *Engine) GetAll() []schema.Record {
	return e.snap.Load().list()
}

// GetByID returns the record with id.
func (e *Engine) GetByID(id string) (schema.Record, error) {
	r, ok := e.snap.Load().get(id)
	if !ok {
		return schema.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// GetByTag returns the record carrying the wearable tag tagID.
func (e *Engine) GetByTag(tagID string) (schema.Record, error) {
	s := e.snap.Load()
	if id, ok := s.tagOwner(tagID); ok {
		r, _ := s.get(id)
		return r, nil
	}
	return schema.Record{}, fmt.Errorf("%w: tag %s", ErrNotFound, tagID)
}

// Find returns the records matching f in insertion order.
func (e *Engine) Find(f schema.Filter) []schema.Record {
	s := e.snap.Load()
	var out []schema.Record
	for _, id := range s.order {
		if r := s.byID[id]; f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// PendingCount returns how many records await remote confirmation.
func (e *Engine) PendingCount() int {
	return e.snap.Load().pendingCount()
}

// PendingDeletes returns how many remote deletions are still outstanding.
func (e *Engine) PendingDeletes() int {
	return int(e.deleteCount.Load())
}

// LastSyncAt returns the time of the last completed synchronization.
func (e *Engine) LastSyncAt() (time.Time, bool) {
	t := e.lastSyncAt.Load()
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}

// Reachable reports whether the remote service is currently considered up.
func (e *Engine) Reachable() bool {
	return e.reachable.Load()
}

// Shelters returns the shelter catalogue.
func (e *Engine) Shelters() *schema.Catalog {
	return e.shelters
}

// Occupancy returns the headcount of every shelter.
func (e *Engine) Occupancy() []schema.Occupancy {
	return e.shelters.Occupancy(e.GetAll())
}

// ===== Lifecycle =====

// Initialize loads the record set. When the remote service answers, its
// records become authoritative and are written through to the store; records
// still pending locally are kept on top of them and ids awaiting remote
// deletion are left out. Otherwise the stored snapshot is used, or an empty
// set when there is none.
//
// The returned error only reports why a source was skipped. The engine is
// usable whatever it returns.
func (e *Engine) Initialize(ctx context.Context) (InitResult, error) {
	e.mu.Lock()
	defer e.unlock()

	localErr := e.reloadLocked(ctx)
	if localErr != nil {
		e.logger.Warn("failed to load stored records", zap.Error(localErr))
		e.setTombstones(nil)
		e.swap(newSnapshot(nil))
	}

	var remoteRecords []schema.Record
	listErr := e.callRemote(ctx, remote.OpList, "", func(ctx context.Context) error {
		var err error
		remoteRecords, err = e.gateway.List(ctx)
		return err
	})

	var (
		result InitResult
		report error
	)

	switch {
	case listErr == nil:
		e.setReachableLocked(true)
		err := e.commit(ctx, func(cur *snapshot) (*snapshot, error) {
			return e.mergeRemote(remoteRecords, cur.list()), nil
		})
		if err != nil {
			e.logger.Error("failed to write remote records through to store", zap.Error(err))
			report = err
			result.Source = localSource(e.snap.Load(), localErr)
			break
		}
		result.Source = SourceRemote

	default:
		e.setReachableLocked(false)
		report = fmt.Errorf("%w: %w", ErrRemote, listErr)
		if localErr != nil {
			report = fmt.Errorf("%w; stored snapshot unavailable: %w", report, localErr)
		}
		result.Source = localSource(e.snap.Load(), localErr)
	}

	s := e.snap.Load()
	result.Records = len(s.order)
	result.Pending = s.pendingCount()

	e.logger.Info("initialized",
		zap.String("source", string(result.Source)),
		zap.Int("records", result.Records),
		zap.Int("pending", result.Pending),
		zap.Int("pending_deletes", len(e.tombstones)),
		zap.Bool("reachable", e.reachable.Load()),
	)
	e.queue(Event{Type: EventInitialized, Reachable: e.reachable.Load()})

	return result, report
}

func localSource(s *snapshot, loadErr error) Source {
	if loadErr != nil || len(s.order) == 0 {
		return SourceEmpty
	}
	return SourceStore
}

// Refresh reloads the record set when another process has saved to the
// store since this engine last loaded or saved, and reports whether it did.
// Long-running processes call it before serving reads.
func (e *Engine) Refresh(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.unlock()
	return e.refreshLocked(ctx)
}

func (e *Engine) refreshLocked(ctx context.Context) (bool, error) {
	gen, err := e.store.Generation(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if gen == e.gen {
		return false, nil
	}
	if err := e.reloadLocked(ctx); err != nil {
		return false, err
	}
	e.metrics.reloads.Inc()
	e.logger.Info("record set reloaded", zap.Int64("generation", e.gen))
	e.queue(Event{Type: EventReloaded, Reachable: e.reachable.Load()})
	return true, nil
}

// mergeRemote builds the remote-authoritative snapshot.
func (e *Engine) mergeRemote(remoteRecords, local []schema.Record) *snapshot {
	deleted := make(map[string]bool, len(e.tombstones))
	for _, id := range e.tombstones {
		deleted[id] = true
	}

	kept := make([]schema.Record, 0, len(remoteRecords)+len(local))
	for _, r := range remoteRecords {
		if deleted[r.ID] {
			continue
		}
		r.SyncState = schema.SyncSynced
		kept = append(kept, r)
	}
	merged := newSnapshot(kept)

	for _, r := range local {
		if !r.Pending() || deleted[r.ID] {
			continue
		}
		if prev, ok := merged.byID[r.ID]; ok && r.UpdatedAt.Before(prev.UpdatedAt) {
			r.UpdatedAt = prev.UpdatedAt
		}
		merged = merged.with(r)
	}
	return merged
}

// CheckConnection samples the remote service and updates Reachable.
func (e *Engine) CheckConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()

	up := e.gateway.CheckConnection(ctx)
	if old := e.reachable.Swap(up); old != up {
		e.metrics.observeReachable(up)
		e.logger.Info("connectivity changed", zap.Bool("reachable", up))
		e.emit(Event{Type: EventConnectivity, Time: e.now(), Reachable: up})
	}
	return up
}

// Reset clears every local record and pending remote deletion. The remote
// service is not touched. Pending deletions are dropped first so a failure
// never leaves a tombstone without its removed record.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.unlock()

	if err := e.commitTombstones(ctx, func([]string) []string { return nil }); err != nil {
		return err
	}
	empty := func(cur *snapshot) (*snapshot, error) {
		if len(cur.order) == 0 {
			return nil, nil
		}
		return newSnapshot(nil), nil
	}
	if err := e.commit(ctx, empty); err != nil {
		return err
	}

	e.logger.Info("local data cleared")
	e.queue(Event{Type: EventReset, Reachable: e.reachable.Load()})
	return nil
}

// ===== Internals (callers hold e.mu) =====

// maxSaveAttempts bounds how often a save is reapplied after losing the race
// against another writer.
const maxSaveAttempts = 5

// commit builds the next snapshot from the current one, persists it and
// makes it current. When another process saved first, the stored state is
// reloaded and build runs again on top of it, so build must derive
// everything from cur. A nil snapshot from build means nothing to save.
func (e *Engine) commit(ctx context.Context, build func(cur *snapshot) (*snapshot, error)) error {
	for attempt := 1; ; attempt++ {
		next, err := build(e.snap.Load())
		if err != nil || next == nil {
			return err
		}
		err = e.store.SaveAll(ctx, next.list())
		if err == nil {
			e.gen++
			e.swap(next)
			return nil
		}
		if retry, rerr := e.reloadAfter(ctx, err, attempt); rerr != nil {
			return rerr
		} else if retry {
			continue
		}
		e.logger.Error("failed to persist record set", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}

// commitTombstones is commit for the pending remote deletions. Memory only
// changes once the store has accepted the new list.
func (e *Engine) commitTombstones(ctx context.Context, build func(cur []string) []string) error {
	for attempt := 1; ; attempt++ {
		next := build(slices.Clone(e.tombstones))
		if slices.Equal(next, e.tombstones) {
			return nil
		}
		err := e.store.SavePendingDeletes(ctx, next)
		if err == nil {
			e.gen++
			e.setTombstones(next)
			return nil
		}
		if retry, rerr := e.reloadAfter(ctx, err, attempt); rerr != nil {
			return rerr
		} else if retry {
			continue
		}
		e.logger.Error("failed to persist pending deletes", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
}

// reloadAfter reloads the stored state when err says another writer saved
// first, and reports whether the save should be attempted again.
func (e *Engine) reloadAfter(ctx context.Context, err error, attempt int) (bool, error) {
	if !errors.Is(err, store.ErrConflict) || attempt >= maxSaveAttempts {
		return false, nil
	}
	e.logger.Info("store changed by another writer, reloading", zap.Int("attempt", attempt))
	if err := e.reloadLocked(ctx); err != nil {
		return false, err
	}
	e.metrics.reloads.Inc()
	e.queue(Event{Type: EventReloaded, Reachable: e.reachable.Load()})
	return true, nil
}

// reloadLocked replaces the in-memory state with what the store holds. The
// generation is read on both sides of the loads so records and pending
// deletes always come from the same save.
func (e *Engine) reloadLocked(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		before, err := e.store.Generation(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		tombstones, err := e.store.LoadPendingDeletes(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		records, err := e.store.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		after, err := e.store.Generation(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		if before != after {
			if attempt >= maxSaveAttempts {
				return fmt.Errorf("%w: %w", ErrStorage, store.ErrConflict)
			}
			continue
		}

		if t, ok, err := e.store.LoadLastSyncAt(ctx); err != nil {
			e.logger.Warn("failed to load last sync time", zap.Error(err))
		} else if ok {
			e.lastSyncAt.Store(&t)
		}
		e.setTombstones(tombstones)
		e.swap(newSnapshot(records))
		e.gen = after
		return nil
	}
}

func (e *Engine) setTombstones(ids []string) {
	e.tombstones = ids
	e.deleteCount.Store(int64(len(ids)))
}

func (e *Engine) swap(next *snapshot) {
	e.snap.Store(next)
	e.metrics.observeSnapshot(next)
}

func (e *Engine) setReachableLocked(up bool) {
	if old := e.reachable.Swap(up); old != up {
		e.metrics.observeReachable(up)
		e.logger.Info("connectivity changed", zap.Bool("reachable", up))
		e.queue(Event{Type: EventConnectivity, Reachable: up})
	}
}

// callRemote runs fn under the remote timeout. An unavailable service marks
// the engine unreachable.
func (e *Engine) callRemote(ctx context.Context, op, id string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()

	err := fn(ctx)

	switch {
	case err == nil:
		e.metrics.remoteCalls.WithLabelValues(op, callResultSuccess).Inc()
	case remote.IsNotFound(err):
		e.metrics.remoteCalls.WithLabelValues(op, callResultNotFound).Inc()
	default:
		e.metrics.remoteCalls.WithLabelValues(op, callResultFailure).Inc()
		e.logger.Warn("remote call failed", zap.String("op", op), zap.String("id", id), zap.Error(err))
		if remote.IsUnavailable(err) {
			e.setReachableLocked(false)
		}
	}
	return err
}

// push writes rec to the remote service. Records the remote does not know
// yet are created.
func (e *Engine) push(ctx context.Context, rec schema.Record, fresh bool) error {
	if fresh {
		return e.callRemote(ctx, remote.OpCreate, rec.ID, func(ctx context.Context) error {
			return e.gateway.Create(ctx, rec)
		})
	}

	err := e.callRemote(ctx, remote.OpUpdate, rec.ID, func(ctx context.Context) error {
		return e.gateway.Update(ctx, rec)
	})
	if remote.IsNotFound(err) {
		err = e.callRemote(ctx, remote.OpCreate, rec.ID, func(ctx context.Context) error {
			return e.gateway.Create(ctx, rec)
		})
	}
	return err
}

// markSynced flips rec to synced if it is still the current version.
// A store failure here is logged and the record stays pending.
func (e *Engine) markSynced(ctx context.Context, rec schema.Record) schema.Record {
	out := rec
	err := e.commit(ctx, func(cur *snapshot) (*snapshot, error) {
		r, ok := cur.get(rec.ID)
		if !ok || !r.UpdatedAt.Equal(rec.UpdatedAt) {
			if ok {
				out = r
			}
			return nil, nil
		}
		r.SyncState = schema.SyncSynced
		out = r
		return cur.with(r), nil
	})
	if err != nil {
		e.logger.Warn("remote write succeeded but could not be recorded", zap.String("id", rec.ID), zap.Error(err))
		return rec
	}
	return out
}

// stamp returns the updatedAt for a new version of prev.
func (e *Engine) stamp(prev time.Time) time.Time {
	now := e.now()
	if now.Before(prev) {
		return prev
	}
	return now
}
