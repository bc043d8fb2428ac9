// Package offline keeps screening work alive on a device without connectivity:
// a TTL result cache and a FIFO queue of submissions awaiting replay, both
// persisted in a local sqlite database.
package offline

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"devscreen/internal/models"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a key or queue item does not exist
var ErrNotFound = errors.New("not found")

// Store is the on-device sqlite database holding the result cache and the
// pending submission queue
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (and creates if needed) the database at path. ":memory:" is
// accepted for tests.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows one writer; a single connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Printf("✅ [OFFLINE] Local store ready at %s", path)
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS cached_results (
			key        TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			mode       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_results_updated ON cached_results(updated_at)`,
		`CREATE TABLE IF NOT EXISTS pending_submissions (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			payload     TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// LoadResult reads a cached result by key
func (s *Store) LoadResult(key string) (*models.CachedResult, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM cached_results WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cached result: %w", err)
	}

	var result models.CachedResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &result, nil
}

// SaveResult upserts a cached result
func (s *Store) SaveResult(result models.CachedResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode cached result: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO cached_results (key, payload, mode, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, mode = excluded.mode, updated_at = excluded.updated_at`,
		result.Key, string(payload), string(result.Mode), result.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save cached result: %w", err)
	}
	return nil
}

// DeleteResultsBefore removes cached results last written before cutoff
func (s *Store) DeleteResultsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cached_results WHERE updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cached results: %w", err)
	}
	return res.RowsAffected()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
