package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/gefbiotag/biotag/internal/remote"
	"github.com/gefbiotag/biotag/internal/schema"
)

// Register adds a new record built from c and returns it.
//
// The record is persisted as pending first. When the remote service is
// reachable it is created remotely as well and returned synced; a remote
// failure is not an error, the record simply stays pending. A tag already
// worn by another record is rejected. A reading without a capture time is
// stamped with the current time.
func (e *Engine) Register(ctx context.Context, c schema.Candidate) (schema.Record, error) {
	if err := c.Validate(); err != nil {
		return schema.Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	e.mu.Lock()
	defer e.unlock()

	var rec schema.Record
	err := e.commit(ctx, func(cur *snapshot) (*snapshot, error) {
		if owner, taken := cur.tagOwner(c.TagID); taken {
			return nil, fmt.Errorf("%w: tag %s is already assigned to %s", ErrInvalidInput, c.TagID, owner)
		}

		id := e.newID()
		for attempts := 0; ; attempts++ {
			if _, taken := cur.byID[id]; !taken && id != "" {
				break
			}
			if attempts >= 10 {
				return nil, fmt.Errorf("failed to generate a unique record id")
			}
			id = e.newID()
		}

		now := e.now()
		rec = c.ToRecord(id)
		if rec.Vital.BPM != 0 && rec.Vital.CapturedAt.IsZero() {
			rec.Vital.CapturedAt = now
		}
		rec.CreatedAt = now
		rec.UpdatedAt = now
		rec.SyncState = schema.SyncPending
		return cur.with(rec), nil
	})
	if err != nil {
		return schema.Record{}, err
	}
	e.logger.Info("record registered", zap.String("id", rec.ID), zap.String("shelter", rec.ShelterID))

	rec = e.pushOpportunistically(ctx, rec, true)
	e.queue(Event{Type: EventRecordRegistered, RecordID: rec.ID, Record: recordPtr(rec), Reachable: e.reachable.Load()})
	return rec, nil
}

// UpdateVitalSign replaces the vital sign of record id. A zero capturedAt is
// stamped with the current time.
func (e *Engine) UpdateVitalSign(ctx context.Context, id string, bpm int, capturedAt time.Time) (schema.Record, error) {
	if bpm < 0 || bpm > schema.MaxBPM {
		return schema.Record{}, fmt.Errorf("%w: bpm must be between 0 and %d (got %d)", ErrInvalidInput, schema.MaxBPM, bpm)
	}

	e.mu.Lock()
	defer e.unlock()

	if capturedAt.IsZero() {
		capturedAt = e.now()
	}

	var next schema.Record
	err := e.commit(ctx, func(cur *snapshot) (*snapshot, error) {
		prev, ok := cur.get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		next = prev.Clone()
		next.Vital = schema.VitalSign{BPM: bpm, CapturedAt: capturedAt}
		next.UpdatedAt = e.stamp(prev.UpdatedAt)
		next.SyncState = schema.SyncPending
		return cur.with(next), nil
	})
	if err != nil {
		return schema.Record{}, err
	}
	e.logger.Debug("vital sign updated",
		zap.String("id", id),
		zap.Int("bpm", bpm),
		zap.String("status", string(next.Vital.Status())),
	)

	next = e.pushOpportunistically(ctx, next, false)
	e.queue(Event{Type: EventRecordUpdated, RecordID: id, Record: recordPtr(next), Reachable: e.reachable.Load()})
	return next, nil
}

// UpdateRecord replaces the editable fields of the record with rec.ID.
// Changes to id, createdAt, updatedAt and sync state are ignored. A vital
// sign that differs from the stored one replaces it and is stamped with the
// current time when it has no capture time; a zero vital sign keeps the
// stored reading. Moving a tag onto a record while another record still
// wears it is rejected.
func (e *Engine) UpdateRecord(ctx context.Context, rec schema.Record) (schema.Record, error) {
	e.mu.Lock()
	defer e.unlock()

	var next schema.Record
	err := e.commit(ctx, func(cur *snapshot) (*snapshot, error) {
		prev, ok := cur.get(rec.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
		}

		next = prev.WithMutableFields(rec)
		if !next.Vital.Equal(prev.Vital) && next.Vital.BPM != 0 && next.Vital.CapturedAt.IsZero() {
			next.Vital.CapturedAt = e.now()
		}
		edit := schema.Candidate{Name: next.Name, Vital: next.Vital}
		if err := edit.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if owner, taken := cur.tagOwner(next.TagID); taken && owner != next.ID {
			return nil, fmt.Errorf("%w: tag %s is already assigned to %s", ErrInvalidInput, next.TagID, owner)
		}
		next.UpdatedAt = e.stamp(prev.UpdatedAt)
		next.SyncState = schema.SyncPending
		return cur.with(next), nil
	})
	if err != nil {
		return schema.Record{}, err
	}
	e.logger.Debug("record updated", zap.String("id", rec.ID))

	next = e.pushOpportunistically(ctx, next, false)
	e.queue(Event{Type: EventRecordUpdated, RecordID: next.ID, Record: recordPtr(next), Reachable: e.reachable.Load()})
	return next, nil
}

// Remove deletes record id locally and from the store. The remote deletion
// is best effort: when it cannot be done now the id stays in the pending
// deletes and is retried by Synchronize. A record is never re-added because
// of a remote failure.
//
// The pending delete is saved before the record is dropped, so a store
// failure at any step leaves either the record or its tombstone behind.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.unlock()

	if _, ok := e.snap.Load().byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	added := false
	err := e.commitTombstones(ctx, func(cur []string) []string {
		if slices.Contains(cur, id) {
			added = false
			return cur
		}
		added = true
		return append(cur, id)
	})
	if err != nil {
		return err
	}

	err = e.commit(ctx, func(cur *snapshot) (*snapshot, error) {
		if _, ok := cur.byID[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return cur.without(id), nil
	})
	if err != nil {
		if added {
			e.dropTombstones(ctx, id)
		}
		return err
	}
	e.logger.Info("record removed", zap.String("id", id))

	if e.reachable.Load() {
		err := e.callRemote(ctx, remote.OpDelete, id, func(ctx context.Context) error {
			return e.gateway.Delete(ctx, id)
		})
		if err == nil || remote.IsNotFound(err) {
			e.dropTombstones(ctx, id)
		}
	}

	e.queue(Event{Type: EventRecordRemoved, RecordID: id, Reachable: e.reachable.Load()})
	return nil
}

// pushOpportunistically writes rec remotely when the service is reachable
// and returns the record as it stands afterwards.
func (e *Engine) pushOpportunistically(ctx context.Context, rec schema.Record, fresh bool) schema.Record {
	if !e.reachable.Load() {
		return rec
	}
	if err := e.push(ctx, rec, fresh); err != nil {
		e.logger.Debug("record left pending", zap.String("id", rec.ID), zap.Error(err))
		return rec
	}
	return e.markSynced(ctx, rec)
}

// dropTombstones forgets ids that no longer need a remote deletion. On a
// store failure they stay pending; the next remote delete answers not found.
func (e *Engine) dropTombstones(ctx context.Context, ids ...string) {
	err := e.commitTombstones(ctx, func(cur []string) []string {
		return slices.DeleteFunc(cur, func(id string) bool { return slices.Contains(ids, id) })
	})
	if err != nil {
		e.logger.Warn("failed to persist pending deletes", zap.Strings("ids", ids), zap.Error(err))
	}
}

func recordPtr(r schema.Record) *schema.Record {
	c := r.Clone()
	return &c
}
