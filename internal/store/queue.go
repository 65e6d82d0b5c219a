package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hallway/satchel/internal/domain"
)

// Enqueue appends a mutation to the pending-actions queue and returns its
// local id. Uses ON CONFLICT(idempotency_key) DO NOTHING for idempotency:
// re-enqueueing the same mutation (application retry after a crash) returns
// the existing local id with inserted=false.
func (s *SQL) Enqueue(ctx context.Context, m domain.Mutation) (localID int64, inserted bool, err error) {
	if !domain.ValidMutationKind(m.Kind) {
		return 0, false, fmt.Errorf("enqueue: unknown mutation kind %q", m.Kind)
	}
	if m.IdempotencyKey == "" {
		return 0, false, fmt.Errorf("enqueue: missing idempotency key")
	}

	// Use a transaction to ensure atomicity of insert-or-select
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("enqueue: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO pending_actions
		(kind, payload, idempotency_key, record_collection, record_id, enqueued_at, attempt_count, next_attempt_at, state)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		string(m.Kind),
		string(m.Payload),
		m.IdempotencyKey,
		m.RecordCollection,
		m.RecordID,
		m.EnqueuedAt,
		string(domain.MutationQueued),
	)
	if err != nil {
		return 0, false, fmt.Errorf("enqueue: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("enqueue: rows affected: %w", err)
	}

	if rowsAffected > 0 {
		// New row inserted - get the auto-generated local id
		localID, err = result.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("enqueue: last insert id: %w", err)
		}
		inserted = true
	} else {
		// Conflict - mutation already queued, fetch the existing local id
		err = tx.QueryRowContext(ctx, `
			SELECT local_id FROM pending_actions WHERE idempotency_key = ?
		`, m.IdempotencyKey).Scan(&localID)
		if err != nil {
			return 0, false, fmt.Errorf("enqueue: select existing: %w", err)
		}
		inserted = false
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("enqueue: commit: %w", err)
	}

	return localID, inserted, nil
}

// ListMutations returns every queued mutation in local_id order (insertion
// order, which is FIFO within each kind).
//
// Returns an empty slice (not nil) when the queue is empty.
func (s *SQL) ListMutations(ctx context.Context) ([]domain.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, kind, payload, idempotency_key, record_collection, record_id,
		       enqueued_at, attempt_count, next_attempt_at, state
		FROM pending_actions
		ORDER BY local_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending actions: %w", err)
	}
	defer rows.Close()

	var mutations []domain.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending actions: %w", err)
	}

	if mutations == nil {
		mutations = []domain.Mutation{}
	}

	return mutations, nil
}

// MarkInFlight claims a mutation for delivery. Returns claimed=false when
// the mutation is missing or already in flight, which signals a violated
// single-drain assumption rather than a normal condition.
func (s *SQL) MarkInFlight(ctx context.Context, localID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions SET state = ?
		WHERE local_id = ? AND state IN (?, ?)
	`,
		string(domain.MutationInFlight),
		localID,
		string(domain.MutationQueued),
		string(domain.MutationRetryScheduled),
	)
	if err != nil {
		return false, fmt.Errorf("mark in flight: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark in flight: rows affected: %w", err)
	}
	return n > 0, nil
}

// ScheduleRetry records a failed attempt: bumps the attempt count, sets the
// next-attempt time computed by the coordinator's backoff, and parks the
// mutation in retryScheduled until that time passes.
func (s *SQL) ScheduleRetry(ctx context.Context, localID int64, attemptCount int, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET state = ?, attempt_count = ?, next_attempt_at = ?
		WHERE local_id = ?
	`,
		string(domain.MutationRetryScheduled),
		attemptCount,
		nextAttemptAt.UnixMilli(),
		localID,
	)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule retry: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule retry: mutation %d not found", localID)
	}
	return nil
}

// Ack removes an acknowledged mutation and, when the mutation references an
// optimistically written record, flips that record to synced in the same
// transaction. Crash atomicity: either both happen or neither.
func (s *SQL) Ack(ctx context.Context, m domain.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ack: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM pending_actions WHERE local_id = ?
	`, m.LocalID); err != nil {
		return fmt.Errorf("ack: delete: %w", err)
	}

	if m.RecordCollection != "" && m.RecordID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET sync_state = ?
			WHERE collection = ? AND id = ?
		`, string(domain.SyncStateSynced), m.RecordCollection, m.RecordID); err != nil {
			return fmt.Errorf("ack: mark record synced: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ack: commit: %w", err)
	}
	return nil
}

// Abandon removes a mutation that reached its retry ceiling or hit a
// terminal conflict. The caller is responsible for reporting the failure;
// removal happens exactly once (deleting a missing row is a no-op).
func (s *SQL) Abandon(ctx context.Context, localID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_actions WHERE local_id = ?
	`, localID)
	if err != nil {
		return fmt.Errorf("abandon: %w", err)
	}
	return nil
}

// RequeueInFlight returns mutations stranded in inFlight back to queued.
// Called once at startup: a crash mid-drain leaves rows in flight, and
// their delivery outcome is unknown, so they are retried (the idempotency
// key makes a duplicate delivery harmless).
func (s *SQL) RequeueInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions SET state = ?
		WHERE state = ?
	`, string(domain.MutationQueued), string(domain.MutationInFlight))
	if err != nil {
		return 0, fmt.Errorf("requeue in flight: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue in flight: rows affected: %w", err)
	}
	return int(n), nil
}

// QueueDepth returns the number of pending mutations in any state.
func (s *SQL) QueueDepth(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_actions
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return count, nil
}

// PendingByKind returns the queue depth broken down by mutation kind.
func (s *SQL) PendingByKind(ctx context.Context) (map[domain.MutationKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM pending_actions GROUP BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("pending by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.MutationKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("pending by kind: scan: %w", err)
		}
		counts[domain.MutationKind(kind)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending by kind: iterate: %w", err)
	}

	return counts, nil
}

// scanMutation scans a result row into a Mutation.
func scanMutation(rows *sql.Rows) (domain.Mutation, error) {
	var m domain.Mutation
	var kind, payload, state string

	if err := rows.Scan(
		&m.LocalID, &kind, &payload, &m.IdempotencyKey,
		&m.RecordCollection, &m.RecordID,
		&m.EnqueuedAt, &m.AttemptCount, &m.NextAttemptAt, &state,
	); err != nil {
		return domain.Mutation{}, fmt.Errorf("scan mutation: %w", err)
	}

	m.Kind = domain.MutationKind(kind)
	m.Payload = json.RawMessage(payload)
	m.State = domain.MutationState(state)
	return m, nil
}
