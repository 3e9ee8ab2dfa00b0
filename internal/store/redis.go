package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gefbiotag/biotag/internal/schema"
)

// RedisStore keeps the snapshot under namespaced Redis keys:
//
//	<ns>:records          JSON array of records
//	<ns>:last_sync_at     RFC 3339 timestamp
//	<ns>:pending_deletes  JSON array of ids
//	<ns>:generation       write counter
//
// A save WATCHes the generation key and replaces the snapshot together with
// the incremented generation in one MULTI/EXEC, so a concurrent writer makes
// the transaction fail instead of being overwritten.
type RedisStore struct {
	client    *redis.Client
	namespace string
	observed  atomic.Int64
}

// NewRedisStore wraps an existing client. An empty namespace defaults to "biotag".
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "biotag"
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(name string) string {
	return s.namespace + ":" + name
}

// LoadAll reads the records key.
func (s *RedisStore) LoadAll(ctx context.Context) ([]schema.Record, error) {
	records := []schema.Record{}
	ok, err := s.load(ctx, "records", &records)
	if err != nil || !ok {
		return []schema.Record{}, err
	}
	return records, nil
}

// SaveAll overwrites the records key.
func (s *RedisStore) SaveAll(ctx context.Context, records []schema.Record) error {
	if records == nil {
		records = []schema.Record{}
	}
	return s.save(ctx, "records", records)
}

// LoadLastSyncAt reads the last synchronization time.
func (s *RedisStore) LoadLastSyncAt(ctx context.Context) (time.Time, bool, error) {
	value, err := s.client.Get(ctx, s.key(metaLastSyncAt)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read %s: %w", s.key(metaLastSyncAt), err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s value %q: %w", s.key(metaLastSyncAt), value, err)
	}
	return t, true, nil
}

// SaveLastSyncAt writes the last synchronization time.
func (s *RedisStore) SaveLastSyncAt(ctx context.Context, t time.Time) error {
	if err := s.client.Set(ctx, s.key(metaLastSyncAt), formatTime(t), 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.key(metaLastSyncAt), err)
	}
	return nil
}

// LoadPendingDeletes reads the tombstoned ids.
func (s *RedisStore) LoadPendingDeletes(ctx context.Context) ([]string, error) {
	ids := []string{}
	ok, err := s.load(ctx, metaPendingDeletes, &ids)
	if err != nil || !ok {
		return []string{}, err
	}
	return ids, nil
}

// SavePendingDeletes overwrites the tombstoned ids.
func (s *RedisStore) SavePendingDeletes(ctx context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	return s.save(ctx, metaPendingDeletes, ids)
}

// Generation reads the generation key. A missing key is generation zero.
func (s *RedisStore) Generation(ctx context.Context) (int64, error) {
	return s.readGeneration(ctx, s.client)
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// load reads name and the generation in one MGET so both come from the same
// moment.
func (s *RedisStore) load(ctx context.Context, name string, v interface{}) (bool, error) {
	values, err := s.client.MGet(ctx, s.key(name), s.key(metaGeneration)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", s.key(name), err)
	}
	gen, err := parseGeneration(s.key(metaGeneration), values[1])
	if err != nil {
		return false, err
	}
	s.observed.Store(gen)

	data, ok := values[0].(string)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", s.key(name), err)
	}
	return true, nil
}

// save writes name and bumps the generation, provided nobody else bumped it
// since this handle last looked.
func (s *RedisStore) save(ctx context.Context, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", s.key(name), err)
	}

	genKey := s.key(metaGeneration)
	var next int64
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		gen, err := s.readGeneration(ctx, tx)
		if err != nil {
			return err
		}
		if seen := s.observed.Load(); gen != seen {
			return fmt.Errorf("%w: generation %d, last seen %d", ErrConflict, gen, seen)
		}
		next = gen + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(name), data, 0)
			pipe.Set(ctx, genKey, next, 0)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s changed during write", ErrConflict, genKey)
	}
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to write %s: %w", s.key(name), err)
	}
	s.observed.Store(next)
	return nil
}

func (s *RedisStore) readGeneration(ctx context.Context, c redis.Cmdable) (int64, error) {
	value, err := c.Get(ctx, s.key(metaGeneration)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", s.key(metaGeneration), err)
	}
	return parseGeneration(s.key(metaGeneration), value)
}

func parseGeneration(key string, value interface{}) (int64, error) {
	str, ok := value.(string)
	if !ok {
		return 0, nil
	}
	gen, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, str, err)
	}
	return gen, nil
}
