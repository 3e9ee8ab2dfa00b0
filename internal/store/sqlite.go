package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/gefbiotag/biotag/internal/schema"
)

const (
	metaLastSyncAt     = "last_sync_at"
	metaPendingDeletes = "pending_deletes"
	metaGeneration     = "generation"
)

// SQLiteStore keeps the snapshot in an embedded SQLite database.
// The database runs in WAL mode so readers never block the writer. Writes
// take the lock up front (BEGIN IMMEDIATE) and check the generation in the
// meta table, so two processes sharing the file cannot overwrite each
// other's snapshot unseen.
type SQLiteStore struct {
	conn     *sql.DB
	path     string
	observed atomic.Int64
}

// sqlConn is satisfied by both *sql.DB and *sql.Tx.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// OpenSQLite opens (or creates) the database at path and initializes its schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	return OpenSQLiteContext(context.Background(), path)
}

// OpenSQLiteContext opens the database with context support.
func OpenSQLiteContext(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{conn: conn, path: path}

	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		latitude REAL,
		longitude REAL,
		shelter_id TEXT NOT NULL DEFAULT '',
		family_group TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		tag_id TEXT NOT NULL DEFAULT '',
		bpm INTEGER NOT NULL DEFAULT 0,
		captured_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		sync_state TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_position ON records(position);
	CREATE INDEX IF NOT EXISTS idx_records_sync_state ON records(sync_state);
	`
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// LoadAll returns every record ordered by its saved position.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]schema.Record, error) {
	var records []schema.Record
	err := s.read(ctx, func(tx *sql.Tx) error {
		var err error
		records, err = queryRecords(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func queryRecords(ctx context.Context, tx *sql.Tx) ([]schema.Record, error) {
	rows, err := tx.QueryContext(ctx, `
	SELECT id, name, address, latitude, longitude, shelter_id, family_group,
	       notes, tag_id, bpm, captured_at, created_at, updated_at, sync_state
	FROM records
	ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []schema.Record{}
	for rows.Next() {
		var (
			r                    schema.Record
			lat, lng             sql.NullFloat64
			capturedAt           sql.NullString
			createdAt, updatedAt string
			syncState            string
		)
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Address, &lat, &lng, &r.ShelterID, &r.FamilyGroup,
			&r.Notes, &r.TagID, &r.Vital.BPM, &capturedAt, &createdAt, &updatedAt, &syncState,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		if lat.Valid && lng.Valid {
			r.Location = &schema.Coordinates{Latitude: lat.Float64, Longitude: lng.Float64}
		}
		if r.Vital.CapturedAt, err = parseNullTime(capturedAt); err != nil {
			return nil, fmt.Errorf("record %s: invalid captured_at: %w", r.ID, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("record %s: invalid created_at: %w", r.ID, err)
		}
		if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("record %s: invalid updated_at: %w", r.ID, err)
		}
		r.SyncState = schema.SyncState(syncState)

		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return records, nil
}

// SaveAll replaces the stored records in a single transaction.
func (s *SQLiteStore) SaveAll(ctx context.Context, records []schema.Record) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		return insertRecords(ctx, tx, records)
	})
}

func insertRecords(ctx context.Context, tx *sql.Tx, records []schema.Record) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO records (
		id, position, name, address, latitude, longitude, shelter_id, family_group,
		notes, tag_id, bpm, captured_at, created_at, updated_at, sync_state
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range records {
		var lat, lng sql.NullFloat64
		if r.Location != nil {
			lat = sql.NullFloat64{Float64: r.Location.Latitude, Valid: true}
			lng = sql.NullFloat64{Float64: r.Location.Longitude, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, i, r.Name, r.Address, lat, lng, r.ShelterID, r.FamilyGroup,
			r.Notes, r.TagID, r.Vital.BPM, formatNullTime(r.Vital.CapturedAt),
			formatTime(r.CreatedAt), formatTime(r.UpdatedAt), string(r.SyncState),
		); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.ID, err)
		}
	}
	return nil
}

// LoadLastSyncAt reads the last synchronization time from the meta table.
func (s *SQLiteStore) LoadLastSyncAt(ctx context.Context) (time.Time, bool, error) {
	value, ok, err := getMeta(ctx, s.conn, metaLastSyncAt)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s value %q: %w", metaLastSyncAt, value, err)
	}
	return t, true, nil
}

// SaveLastSyncAt writes the last synchronization time.
func (s *SQLiteStore) SaveLastSyncAt(ctx context.Context, t time.Time) error {
	return setMeta(ctx, s.conn, metaLastSyncAt, formatTime(t))
}

// LoadPendingDeletes reads the tombstoned ids.
func (s *SQLiteStore) LoadPendingDeletes(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := s.read(ctx, func(tx *sql.Tx) error {
		value, ok, err := getMeta(ctx, tx, metaPendingDeletes)
		if err != nil || !ok {
			return err
		}
		if err := json.Unmarshal([]byte(value), &ids); err != nil {
			return fmt.Errorf("invalid %s value: %w", metaPendingDeletes, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SavePendingDeletes replaces the tombstoned ids.
func (s *SQLiteStore) SavePendingDeletes(ctx context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal pending deletes: %w", err)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		return setMeta(ctx, tx, metaPendingDeletes, string(data))
	})
}

// Generation reads the write generation outside of any transaction.
func (s *SQLiteStore) Generation(ctx context.Context) (int64, error) {
	return readGeneration(ctx, s.conn)
}

// read runs fn in a read transaction and records the generation it saw.
func (s *SQLiteStore) read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	gen, err := readGeneration(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.observed.Store(gen)
	return nil
}

// write runs fn in an immediate transaction, refusing with ErrConflict when
// the generation moved since this handle last loaded or saved.
func (s *SQLiteStore) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	gen, err := readGeneration(ctx, tx)
	if err != nil {
		return err
	}
	if seen := s.observed.Load(); gen != seen {
		return fmt.Errorf("%w: generation %d, last seen %d", ErrConflict, gen, seen)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, metaGeneration, strconv.FormatInt(gen+1, 10)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.observed.Store(gen + 1)
	return nil
}

func readGeneration(ctx context.Context, c sqlConn) (int64, error) {
	value, ok, err := getMeta(ctx, c, metaGeneration)
	if err != nil || !ok {
		return 0, err
	}
	gen, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", metaGeneration, value, err)
	}
	return gen, nil
}

func getMeta(ctx context.Context, c sqlConn, key string) (string, bool, error) {
	var value string
	err := c.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, true, nil
}

func setMeta(ctx context.Context, c sqlConn, key, value string) error {
	_, err := c.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, ns.String)
}
