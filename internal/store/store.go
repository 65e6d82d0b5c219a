package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hallway/satchel/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added sync-state index on records
const currentSchemaVersion = 1

// ErrNotFound is returned when a record lookup misses. Both backends
// return it, so callers never have to know which one they hold.
var ErrNotFound = errors.New("store: record not found")

// Store is the capability surface of the persistent local store. The
// durable implementation is SQL; Memory is the ephemeral fallback.
type Store interface {
	// Records.
	PutRecord(ctx context.Context, rec domain.Record) error
	GetRecord(ctx context.Context, collection, id string) (domain.Record, error)
	DeleteRecord(ctx context.Context, collection, id string) error
	ListRecords(ctx context.Context, collection string, q Query) ([]domain.Record, error)
	CountRecords(ctx context.Context, collection string) (int, error)

	// Pending-mutation queue. Enqueue is the only queue write application
	// code may perform; the remaining transitions belong to the sync
	// coordinator.
	Enqueue(ctx context.Context, m domain.Mutation) (localID int64, inserted bool, err error)
	ListMutations(ctx context.Context) ([]domain.Mutation, error)
	MarkInFlight(ctx context.Context, localID int64) (claimed bool, err error)
	ScheduleRetry(ctx context.Context, localID int64, attemptCount int, nextAttemptAt time.Time) error
	Ack(ctx context.Context, m domain.Mutation) error
	Abandon(ctx context.Context, localID int64) error
	RequeueInFlight(ctx context.Context) (int, error)
	QueueDepth(ctx context.Context) (int, error)
	PendingByKind(ctx context.Context) (map[domain.MutationKind]int, error)

	// Maintenance.
	ReconcileOrphans(ctx context.Context) (int, error)
	Wipe(ctx context.Context) error

	// Durable reports whether writes survive a process restart.
	Durable() bool
	Close() error
}

// Query narrows and orders a ListRecords call. The zero value returns the
// whole collection ordered by updated_at ascending.
type Query struct {
	SyncState  domain.SyncState // filter by sync state when non-empty
	Since      int64            // updated_at >= Since when > 0 (unix millis)
	Limit      int              // upper bound on results when > 0
	Descending bool             // newest first
}

// SQL is the durable Store backed by SQLite with WAL mode.
type SQL struct {
	db *sql.DB
}

var _ Store = (*SQL)(nil)

// Open creates or opens the SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times, and a schema
// upgrade on an existing file preserves all stored rows.
func Open(path string) (*SQL, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1) // Single writer to avoid SQLITE_BUSY errors
	db.SetMaxIdleConns(1) // Keep one connection ready

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQL{db: db}, nil
}

// OpenWithFallback opens the durable store at path, degrading to an
// in-memory store when SQLite is unavailable (unwritable path, quota,
// missing driver support). The degradation is logged exactly once; callers
// check Durable() to adjust expectations and must keep functioning either
// way.
func OpenWithFallback(path string, logger *slog.Logger) Store {
	s, err := Open(path)
	if err != nil {
		logger.Warn("local store unavailable, falling back to in-memory storage",
			"path", path,
			"error", err)
		return NewMemory()
	}
	return s
}

// Close closes the database connection.
func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Durable reports true: SQLite writes survive restarts.
func (s *SQL) Durable() bool {
	return true
}

// Wipe removes every record and queued mutation. Used by store-reset and
// by tests; the schema itself stays in place.
func (s *SQL) Wipe(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("wipe: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("wipe: records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_actions`); err != nil {
		return fmt.Errorf("wipe: pending actions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("wipe: commit: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
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

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// Apply migrations sequentially
	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	// Set version after all migrations
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the sync-state index for databases created before it
// existed. New databases get this from schema.sql, but existing files need
// the index added explicitly. Existing rows are untouched.
func migrateToV1(db *sql.DB) error {
	// CREATE INDEX IF NOT EXISTS is safe - no-op if index exists
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_records_sync_state
		ON records(collection, sync_state)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQL) verifyPragma(name, expected string) error {
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
