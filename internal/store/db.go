// Package store persists the hub's collaborator state in SQLite: the worker
// registration token, job runs, the repository catalog, indexed code documents
// and the rows mirroring the live worker registry.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a row addressed by id or key does not exist
	ErrNotFound = errors.New("not found")
	// ErrJobFinished is returned when a completed job run is modified
	ErrJobFinished = errors.New("job run already finished")
	// ErrConflict is returned when a unique column would be duplicated
	ErrConflict = errors.New("already exists")
	// ErrInvalid is returned when required fields are missing
	ErrInvalid = errors.New("invalid argument")
)

// DB handles SQLite operations for the hub
type DB struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer: sessions append job output concurrently.
	db.SetMaxOpenConns(1)

	store := &DB{
		db:     db,
		dbPath: dbPath,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.dbPath
}

// Ping reports whether the database is reachable
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registration_token (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job TEXT NOT NULL,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		git_url TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		git_url TEXT NOT NULL,
		filepath TEXT NOT NULL,
		language TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workers (
		addr TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		device TEXT NOT NULL DEFAULT '',
		arch TEXT NOT NULL DEFAULT '',
		cpu_info TEXT NOT NULL DEFAULT '',
		cpu_count INTEGER NOT NULL DEFAULT 0,
		cuda_devices TEXT NOT NULL DEFAULT '[]',
		registered_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job);
	CREATE INDEX IF NOT EXISTS idx_documents_language ON documents(language);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullInt32(v sql.NullInt64) *int32 {
	if !v.Valid {
		return nil
	}
	i := int32(v.Int64)
	return &i
}
