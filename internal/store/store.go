package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Pending-change index for the reconciler scan
// 2 - Worker table for task leases
const currentSchemaVersion = 2

const defaultAllocationRetries = 5

// Store is the SQLite change ledger, revision allocator and task broker.
type Store struct {
	db                *sql.DB
	now               func() time.Time
	allocationRetries int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for task and heartbeat timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithAllocationRetries bounds how many times a revision allocation is
// retried when the database is busy.
func WithAllocationRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.allocationRetries = n
		}
	}
}

// Open creates or opens the ledger at path. ":memory:" is accepted for tests.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - immediate transactions so revision allocation takes the write lock up front
//   - 5-second busy timeout for cross-process lock contention
//   - foreign key enforcement (the target tables rely on it)
//
// Open is idempotent.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: SQLite has a single writer, and a shared in-memory
	// database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:                db,
		now:               time.Now,
		allocationRetries: defaultAllocationRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate"
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB. The target store shares it so that a
// mutation and the applied flag commit in one transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations brings databases created by older releases up to date.
// Fresh databases already have everything from schema.sql.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_changes_pending
			ON changes (scope_key, created_by_id, server_rev)
			WHERE applied = 0 AND errored = 0
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		var tasksWithoutWorker int
		if err := db.QueryRow(`
			SELECT COUNT(*) FROM tasks
			WHERE status = 'running' AND worker_id IS NULL
		`).Scan(&tasksWithoutWorker); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		// Running tasks from before leases existed can never be released by
		// heartbeat expiry. Fail them so the reconciler enqueues fresh ones.
		if tasksWithoutWorker > 0 {
			if _, err := db.Exec(`
				UPDATE tasks SET status = 'failed', error = 'released by migration'
				WHERE status = 'running' AND worker_id IS NULL
			`); err != nil {
				return fmt.Errorf("migrate to v2: %w", err)
			}
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
