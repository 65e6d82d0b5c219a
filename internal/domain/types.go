package domain

import (
	"encoding/json"
	"time"
)

// Record collections persisted in the local store. Each is keyed by the
// entity's own domain id.
const (
	CollectionMatches     = "matches"
	CollectionConnections = "connections"
	CollectionMessages    = "messages"
	CollectionUserProfile = "user-profile"
	CollectionEvents      = "events"
)

// CollectionPendingActions names the mutation queue. It is not a record
// collection: entries are keyed by an auto-incrementing local id and live
// in their own table.
const CollectionPendingActions = "pending-actions"

// Collections lists the record collections in schema order.
var Collections = []string{
	CollectionMatches,
	CollectionConnections,
	CollectionMessages,
	CollectionUserProfile,
	CollectionEvents,
}

// ValidCollection reports whether name is a known record collection.
func ValidCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

// SyncState tracks whether a record's last write has been acknowledged by
// the remote API.
type SyncState string

const (
	// SyncStateSynced means the record matches the remote's view.
	SyncStateSynced SyncState = "synced"
	// SyncStatePendingLocalWrite means the record carries an optimistic
	// local write with a corresponding queued mutation. A record in this
	// state with no matching mutation is orphaned and is reconciled on the
	// next sync pass.
	SyncStatePendingLocalWrite SyncState = "pendingLocalWrite"
)

// Record is an application entity mirrored into the local store.
type Record struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  int64           `json:"updated_at"` // unix millis
	SyncState  SyncState       `json:"sync_state"`
}

// UpdatedTime returns UpdatedAt as a time.Time.
func (r Record) UpdatedTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// MutationKind identifies which remote endpoint a pending mutation targets.
type MutationKind string

const (
	MutationSwipe       MutationKind = "swipe"
	MutationConnection  MutationKind = "connection"
	MutationMessage     MutationKind = "message"
	MutationEventCreate MutationKind = "event-create"
)

// MutationKinds lists the known kinds in drain order.
var MutationKinds = []MutationKind{
	MutationSwipe,
	MutationConnection,
	MutationMessage,
	MutationEventCreate,
}

// ValidMutationKind reports whether kind is a known mutation kind.
func ValidMutationKind(kind MutationKind) bool {
	for _, k := range MutationKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// MutationState is the delivery state of a pending mutation.
//
// Transitions: queued -> inFlight -> acknowledged (removed),
// inFlight -> retryScheduled -> queued (when the retry delay elapses),
// inFlight -> abandoned (removed and reported). acknowledged and abandoned
// are terminal; the row is deleted, so only queued, inFlight and
// retryScheduled are ever persisted.
type MutationState string

const (
	MutationQueued         MutationState = "queued"
	MutationInFlight       MutationState = "inFlight"
	MutationRetryScheduled MutationState = "retryScheduled"
	MutationAcknowledged   MutationState = "acknowledged"
	MutationAbandoned      MutationState = "abandoned"
)

// Mutation is a durably queued, not-yet-acknowledged write intended for the
// remote API.
type Mutation struct {
	LocalID        int64           `json:"local_id"` // auto-increment queue key
	Kind           MutationKind    `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	// RecordCollection/RecordID reference the optimistically written record,
	// if any, so its sync state can be flipped on acknowledgement.
	RecordCollection string        `json:"record_collection,omitempty"`
	RecordID         string        `json:"record_id,omitempty"`
	EnqueuedAt       int64         `json:"enqueued_at"` // unix millis
	AttemptCount     int           `json:"attempt_count"`
	NextAttemptAt    int64         `json:"next_attempt_at"` // unix millis; 0 = immediately eligible
	State            MutationState `json:"state"`
}

// EnqueuedTime returns EnqueuedAt as a time.Time.
func (m Mutation) EnqueuedTime() time.Time {
	return time.UnixMilli(m.EnqueuedAt)
}

// NextAttemptTime returns NextAttemptAt as a time.Time. Zero NextAttemptAt
// maps to the zero time.
func (m Mutation) NextAttemptTime() time.Time {
	if m.NextAttemptAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.NextAttemptAt)
}

// Eligible reports whether the mutation may be attempted at now: it must be
// queued (or rescheduled back to queued) and past its retry delay.
func (m Mutation) Eligible(now time.Time) bool {
	if m.State != MutationQueued && m.State != MutationRetryScheduled {
		return false
	}
	return m.NextAttemptAt == 0 || m.NextAttemptAt <= now.UnixMilli()
}
