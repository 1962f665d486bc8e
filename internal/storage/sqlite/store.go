// Package sqlite implements the storage interface on an embedded SQLite
// database (WAL mode, foreign keys on).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

// Store implements storage.Storage.
type Store struct {
	reader
	db          *sql.DB
	dbPath      string
	maxAttempts int
}

var _ storage.Storage = (*Store)(nil)

// memdbSeq numbers in-memory databases so each New gets its own.
var memdbSeq atomic.Int64

// dbtx abstracts *sql.DB and *sql.Conn so entity queries can run both
// outside and inside transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (creating if needed) the database at path and brings the
// schema up to date. Use ":memory:" for tests.
func New(ctx context.Context, path string) (*Store, error) {
	var connStr string
	if path == ":memory:" {
		// Shared cache so the pool's connections see one database; the
		// name is unique per store so tests don't bleed into each other.
		name := fmt.Sprintf("memdb%d", memdbSeq.Add(1))
		connStr = "file:" + name + "?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=30000&_loc=UTC"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = "file:" + path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000&_loc=UTC"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// In-memory databases are per-connection without this.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer plus concurrent readers.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	absPath := path
	if path != ":memory:" {
		if absPath, err = filepath.Abs(path); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
	}

	return &Store{reader: reader{q: db}, db: db, dbPath: absPath, maxAttempts: types.DefaultMaxAttempts}, nil
}

// Path returns the absolute database path.
func (s *Store) Path() string { return s.dbPath }

// SetMaxAttempts overrides the delivery budget stamped on newly
// enqueued outbox events. Values below 1 keep the current setting.
func (s *Store) SetMaxAttempts(n int) {
	if n >= 1 {
		s.maxAttempts = n
	}
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
