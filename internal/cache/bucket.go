package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// ErrNoEntry is returned when a bucket lookup misses.
var ErrNoEntry = errors.New("cache: entry not found")

// Buckets is the on-disk entry store shared by every bucket. It lives in
// its own database file, separate from the record store, so wiping one
// never touches the other.
type Buckets struct {
	db *sql.DB
}

// OpenBuckets creates or opens the cache database at the given path.
// The same pragma set as the record store applies: WAL journaling,
// NORMAL synchronous, 5-second busy timeout, single writer.
func OpenBuckets(path string) (*Buckets, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to cache database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute cache schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		db.Close()
		return nil, fmt.Errorf("cache schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}

	return &Buckets{db: db}, nil
}

// Close closes the database connection.
func (b *Buckets) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Put stores an entry in the named bucket, replacing any entry under the
// same key.
func (b *Buckets) Put(ctx context.Context, bucket string, e Entry) error {
	if bucket == "" {
		return fmt.Errorf("put: bucket name is empty")
	}
	if e.Key == "" {
		return fmt.Errorf("put: entry key is empty")
	}
	headers, err := encodeHeader(e.Header)
	if err != nil {
		return fmt.Errorf("put: encode headers: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO cache_entries (bucket, key, url, status, headers, body, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			url        = excluded.url,
			status     = excluded.status,
			headers    = excluded.headers,
			body       = excluded.body,
			fetched_at = excluded.fetched_at
	`, bucket, e.Key, e.URL, e.StatusCode, headers, e.Body, e.FetchedAt)
	if err != nil {
		return fmt.Errorf("put: insert entry: %w", err)
	}
	return nil
}

// Get retrieves the entry stored under key in the named bucket.
// Returns ErrNoEntry when the bucket has no such key.
func (b *Buckets) Get(ctx context.Context, bucket, key string) (Entry, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT url, status, headers, body, fetched_at
		FROM cache_entries
		WHERE bucket = ? AND key = ?
	`, bucket, key)

	e := Entry{Key: key}
	var headers []byte
	err := row.Scan(&e.URL, &e.StatusCode, &headers, &e.Body, &e.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNoEntry
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get: scan entry: %w", err)
	}
	e.Header, err = decodeHeader(headers)
	if err != nil {
		return Entry{}, fmt.Errorf("get: decode headers: %w", err)
	}
	return e, nil
}

// Delete removes the entry under key. Deleting a missing entry is a no-op.
func (b *Buckets) Delete(ctx context.Context, bucket, key string) error {
	if _, err := b.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE bucket = ? AND key = ?
	`, bucket, key); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Count returns the number of entries in the named bucket.
func (b *Buckets) Count(ctx context.Context, bucket string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cache_entries WHERE bucket = ?
	`, bucket).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Names lists every bucket that currently holds at least one entry,
// sorted by name.
func (b *Buckets) Names(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT DISTINCT bucket FROM cache_entries ORDER BY bucket
	`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	// Return empty slice instead of nil
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan bucket name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return names, nil
}

// DropVersionsExcept deletes every bucket whose name does not belong to
// the given build version and returns the names it dropped. Runs on
// activation so entries written by retired builds do not accumulate.
func (b *Buckets) DropVersionsExcept(ctx context.Context, version string) ([]string, error) {
	keep := make([]any, 0, len(Kinds))
	placeholders := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		keep = append(keep, Name(k, version))
		placeholders = append(placeholders, "?")
	}
	in := strings.Join(placeholders, ", ")

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("drop versions: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT bucket FROM cache_entries WHERE bucket NOT IN (`+in+`) ORDER BY bucket`,
		keep...)
	if err != nil {
		return nil, fmt.Errorf("drop versions: list stale buckets: %w", err)
	}
	dropped := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("drop versions: scan bucket name: %w", err)
		}
		dropped = append(dropped, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("drop versions: iterate buckets: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE bucket NOT IN (`+in+`)`,
		keep...); err != nil {
		return nil, fmt.Errorf("drop versions: delete entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("drop versions: commit: %w", err)
	}
	return dropped, nil
}

// EvictOlderThan removes entries in the named bucket fetched before the
// cutoff and returns how many were evicted.
func (b *Buckets) EvictOlderThan(ctx context.Context, bucket string, cutoff time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE bucket = ? AND fetched_at < ?
	`, bucket, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("evict: delete entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict: rows affected: %w", err)
	}
	return int(n), nil
}

// Wipe removes every entry from every bucket.
func (b *Buckets) Wipe(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("wipe cache: %w", err)
	}
	return nil
}

func encodeHeader(h http.Header) ([]byte, error) {
	if h == nil {
		h = http.Header{}
	}
	return json.Marshal(h)
}

func decodeHeader(data []byte) (http.Header, error) {
	var h http.Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return h, nil
}
