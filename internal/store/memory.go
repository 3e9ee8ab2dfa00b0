package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gefbiotag/biotag/internal/schema"
)

// MemoryStore is a process-local Store. It deep-copies on every load and
// save so callers cannot alias the stored snapshot. Handle returns a second
// handle over the same data, which behaves like another process opening the
// same file.
type MemoryStore struct {
	data     *memoryData
	observed atomic.Int64
}

type memoryData struct {
	mu             sync.Mutex
	records        []schema.Record
	lastSyncAt     time.Time
	hasLastSync    bool
	pendingDeletes []string
	failErr        error
	saves          int
	generation     int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memoryData{}}
}

// Handle returns another store over the same data with its own view of the
// generation.
func (s *MemoryStore) Handle() *MemoryStore {
	return &MemoryStore{data: s.data}
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (s *MemoryStore) FailWith(err error) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	s.data.failErr = err
}

// Saves returns how many times SaveAll succeeded.
func (s *MemoryStore) Saves() int {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	return s.data.saves
}

func (s *MemoryStore) LoadAll(ctx context.Context) ([]schema.Record, error) {
	d := s.data
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return nil, d.failErr
	}
	s.observed.Store(d.generation)
	return cloneRecords(d.records), nil
}

func (s *MemoryStore) SaveAll(ctx context.Context, records []schema.Record) error {
	d := s.data
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := s.checkWrite(); err != nil {
		return err
	}
	d.records = cloneRecords(records)
	d.saves++
	s.advance()
	return nil
}

func (s *MemoryStore) LoadLastSyncAt(ctx context.Context) (time.Time, bool, error) {
	d := s.data
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return time.Time{}, false, d.failErr
	}
	return d.lastSyncAt, d.hasLastSync, nil
}

func (s *MemoryStore) SaveLastSyncAt(ctx context.Context, t time.Time) error {
	d := s.data
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return d.failErr
	}
	d.lastSyncAt = t
	d.hasLastSync = true
	return nil
}

func (s *MemoryStore) LoadPendingDeletes(ctx context.Context) ([]string, error) {
	d := s.data
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return nil, d.failErr
	}
	s.observed.Store(d.generation)
	return append([]string{}, d.pendingDeletes...), nil
}

func (s *MemoryStore) SavePendingDeletes(ctx context.Context, ids []string) error {
	d := s.data
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := s.checkWrite(); err != nil {
		return err
	}
	d.pendingDeletes = append([]string{}, ids...)
	s.advance()
	return nil
}

func (s *MemoryStore) Generation(ctx context.Context) (int64, error) {
	d := s.data
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return 0, d.failErr
	}
	return d.generation, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// checkWrite must be called with the data lock held.
func (s *MemoryStore) checkWrite() error {
	d := s.data
	if d.failErr != nil {
		return d.failErr
	}
	if seen := s.observed.Load(); d.generation != seen {
		return fmt.Errorf("%w: generation %d, last seen %d", ErrConflict, d.generation, seen)
	}
	return nil
}

func (s *MemoryStore) advance() {
	s.data.generation++
	s.observed.Store(s.data.generation)
}
