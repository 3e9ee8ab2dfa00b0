// Package store provides durable snapshots of the record set.
//
// A Store holds no logic: it persists whatever the engine hands it and returns
// it unchanged. Every save overwrites the previous snapshot in full, so a
// reader never observes a mixture of two snapshots.
//
// Several processes may open the same store. Each handle remembers the
// generation it last loaded or saved, and SaveAll and SavePendingDeletes
// refuse with ErrConflict when another writer has advanced it since. The
// caller reloads and reapplies its change.
//
// Three drivers are available:
//   - sqlite: embedded SQLite file in WAL mode (default)
//   - redis:  namespaced keys on a Redis server, one MULTI/EXEC per save
//   - memory: process-local, used by tests and throwaway sessions
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gefbiotag/biotag/internal/schema"
)

var (
	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = errors.New("unknown store driver")
	// ErrConflict is returned when another writer saved after this handle
	// last loaded.
	ErrConflict = errors.New("store changed by another writer")
)

// Store is a namespaced key-value snapshot of the record set.
type Store interface {
	// LoadAll returns the saved records in saved order. A store that has
	// never been written returns an empty slice and no error.
	LoadAll(ctx context.Context) ([]schema.Record, error)
	// SaveAll replaces the saved records.
	SaveAll(ctx context.Context, records []schema.Record) error

	// LoadLastSyncAt returns the last successful synchronization time.
	// ok is false when no synchronization was ever recorded.
	LoadLastSyncAt(ctx context.Context) (t time.Time, ok bool, err error)
	SaveLastSyncAt(ctx context.Context, t time.Time) error

	// LoadPendingDeletes returns ids removed locally whose remote deletion
	// has not been confirmed.
	LoadPendingDeletes(ctx context.Context) ([]string, error)
	SavePendingDeletes(ctx context.Context, ids []string) error

	// Generation reports the current write generation. Every successful
	// SaveAll or SavePendingDeletes advances it by one. It does not change
	// what the handle has observed.
	Generation(ctx context.Context) (int64, error)

	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config selects and configures a store driver.
type Config struct {
	Driver    string
	Path      string // sqlite database file
	Namespace string // redis key prefix

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Driver:    DriverSQLite,
		Path:      ".biotag/biotag.db",
		Namespace: "biotag",
		RedisAddr: "localhost:6379",
	}
}

// Open creates the store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return OpenSQLiteContext(ctx, cfg.Path)
	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client, cfg.Namespace), nil
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func cloneRecords(records []schema.Record) []schema.Record {
	out := make([]schema.Record, len(records))
	for i := range records {
		out[i] = records[i].Clone()
	}
	return out
}
