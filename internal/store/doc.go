// Package store provides the persistent local store for the Satchel
// offline engine: SQLite-backed domain records plus a durable queue of
// pending mutations, with an in-memory fallback when durable storage is
// unavailable.
//
// The store holds two kinds of state:
//   - Records: application entities mirrored locally, keyed by
//     (collection, id), each carrying an updated-at timestamp and a sync
//     state (synced or pendingLocalWrite)
//   - Pending actions: an append-only FIFO queue of undelivered mutations,
//     keyed by an auto-incrementing local id
//
// # Write Discipline
//
// Application code only appends to the queue (Enqueue) and puts records;
// only the sync coordinator moves mutations through their state machine
// (MarkInFlight, ScheduleRetry, Ack, Abandon). This single-writer rule for
// transitions keeps the queue consistent without fine-grained locking.
//
// All writes are atomic at single-record granularity: a reader after a put
// always observes the fully written value. Enqueue is idempotent on the
// mutation's idempotency key (ON CONFLICT DO NOTHING), so a crashed enqueue
// retried by the application never duplicates a mutation.
//
// # Ordering
//
// Queue reads are ordered by local_id ASC, which is insertion order; FIFO
// within a mutation kind follows from it. Record queries order by the
// updated_at secondary key with id as a deterministic tie-break.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//
// # Fallback
//
// OpenWithFallback degrades to an in-memory store when SQLite cannot be
// opened (missing driver support, unwritable path, quota). The fallback
// implements the same Store interface with no durability; callers detect it
// through Durable() and must keep working, never crash.
package store
