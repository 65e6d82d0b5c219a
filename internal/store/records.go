package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hallway/satchel/internal/domain"
)

// PutRecord inserts or overwrites a record. The write is atomic: a reader
// after PutRecord returns always sees the fully written value.
func (s *SQL) PutRecord(ctx context.Context, rec domain.Record) error {
	if !domain.ValidCollection(rec.Collection) {
		return fmt.Errorf("put record: unknown collection %q", rec.Collection)
	}
	if rec.SyncState == "" {
		rec.SyncState = domain.SyncStateSynced
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records
		(collection, id, payload, updated_at, sync_state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			sync_state = excluded.sync_state
	`,
		rec.Collection,
		rec.ID,
		string(rec.Payload),
		rec.UpdatedAt,
		string(rec.SyncState),
	)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}

	return nil
}

// GetRecord retrieves a single record by collection and id.
// Returns ErrNotFound if it does not exist.
func (s *SQL) GetRecord(ctx context.Context, collection, id string) (domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, id, payload, updated_at, sync_state
		FROM records
		WHERE collection = ? AND id = ?
	`, collection, id)

	rec, err := scanRecordRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, ErrNotFound
	}
	return rec, err
}

// DeleteRecord removes a record. Deleting a missing record is a no-op.
func (s *SQL) DeleteRecord(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE collection = ? AND id = ?
	`, collection, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ListRecords returns records in a collection, filtered and ordered per the
// query. Ordering is by the updated_at secondary key with id as a
// deterministic tie-break.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *SQL) ListRecords(ctx context.Context, collection string, q Query) ([]domain.Record, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT collection, id, payload, updated_at, sync_state
		FROM records
		WHERE collection = ?
	`)
	args := []any{collection}

	if q.SyncState != "" {
		b.WriteString(" AND sync_state = ?")
		args = append(args, string(q.SyncState))
	}
	if q.Since > 0 {
		b.WriteString(" AND updated_at >= ?")
		args = append(args, q.Since)
	}

	if q.Descending {
		b.WriteString(" ORDER BY updated_at DESC, id COLLATE BINARY DESC")
	} else {
		b.WriteString(" ORDER BY updated_at ASC, id COLLATE BINARY ASC")
	}

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	// Return empty slice instead of nil
	if records == nil {
		records = []domain.Record{}
	}

	return records, nil
}

// CountRecords returns the number of records in a collection.
func (s *SQL) CountRecords(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE collection = ?
	`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// ReconcileOrphans flips records stuck in pendingLocalWrite with no
// matching queued mutation back to synced. The orphan window opens when the
// process dies between acknowledging a mutation and marking its record, or
// when an abandoned mutation already reported its failure. Returns the
// number of records repaired.
func (s *SQL) ReconcileOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET sync_state = ?
		WHERE sync_state = ?
		AND NOT EXISTS (
			SELECT 1 FROM pending_actions pa
			WHERE pa.record_collection = records.collection
			AND pa.record_id = records.id
		)
	`, string(domain.SyncStateSynced), string(domain.SyncStatePendingLocalWrite))
	if err != nil {
		return 0, fmt.Errorf("reconcile orphans: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reconcile orphans: rows affected: %w", err)
	}
	return int(n), nil
}

// scanRecord scans a result row into a Record.
func scanRecord(rows *sql.Rows) (domain.Record, error) {
	var rec domain.Record
	var payload, syncState string

	if err := rows.Scan(&rec.Collection, &rec.ID, &payload, &rec.UpdatedAt, &syncState); err != nil {
		return domain.Record{}, fmt.Errorf("scan record: %w", err)
	}

	rec.Payload = json.RawMessage(payload)
	rec.SyncState = domain.SyncState(syncState)
	return rec, nil
}

// scanRecordRow scans a single row into a Record.
func scanRecordRow(row *sql.Row) (domain.Record, error) {
	var rec domain.Record
	var payload, syncState string

	if err := row.Scan(&rec.Collection, &rec.ID, &payload, &rec.UpdatedAt, &syncState); err != nil {
		return domain.Record{}, err
	}

	rec.Payload = json.RawMessage(payload)
	rec.SyncState = domain.SyncState(syncState)
	return rec, nil
}
