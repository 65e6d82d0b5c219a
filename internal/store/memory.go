package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hallway/satchel/internal/domain"
)

// Memory is the ephemeral fallback Store used when durable storage cannot
// be opened. It mirrors the SQL implementation's semantics (idempotent
// enqueue, FIFO local ids, atomic ack) but nothing survives a restart.
type Memory struct {
	mu          sync.Mutex
	records     map[string]map[string]domain.Record // collection -> id -> record
	queue       []domain.Mutation                   // local_id order
	byKey       map[string]int64                    // idempotency key -> local id
	nextLocalID int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:     make(map[string]map[string]domain.Record),
		byKey:       make(map[string]int64),
		nextLocalID: 1,
	}
}

func (m *Memory) PutRecord(_ context.Context, rec domain.Record) error {
	if !domain.ValidCollection(rec.Collection) {
		return fmt.Errorf("put record: unknown collection %q", rec.Collection)
	}
	if rec.SyncState == "" {
		rec.SyncState = domain.SyncStateSynced
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.records[rec.Collection]
	if coll == nil {
		coll = make(map[string]domain.Record)
		m.records[rec.Collection] = coll
	}
	coll[rec.ID] = rec
	return nil
}

func (m *Memory) GetRecord(_ context.Context, collection, id string) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[collection][id]
	if !ok {
		return domain.Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) DeleteRecord(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records[collection], id)
	return nil
}

func (m *Memory) ListRecords(_ context.Context, collection string, q Query) ([]domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := []domain.Record{}
	for _, rec := range m.records[collection] {
		if q.SyncState != "" && rec.SyncState != q.SyncState {
			continue
		}
		if q.Since > 0 && rec.UpdatedAt < q.Since {
			continue
		}
		records = append(records, rec)
	}

	// Same ordering as the SQL backend: updated_at with id tie-break.
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.UpdatedAt != b.UpdatedAt {
			if q.Descending {
				return a.UpdatedAt > b.UpdatedAt
			}
			return a.UpdatedAt < b.UpdatedAt
		}
		if q.Descending {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})

	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}

	return records, nil
}

func (m *Memory) CountRecords(_ context.Context, collection string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[collection]), nil
}

func (m *Memory) Enqueue(_ context.Context, mut domain.Mutation) (int64, bool, error) {
	if !domain.ValidMutationKind(mut.Kind) {
		return 0, false, fmt.Errorf("enqueue: unknown mutation kind %q", mut.Kind)
	}
	if mut.IdempotencyKey == "" {
		return 0, false, fmt.Errorf("enqueue: missing idempotency key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[mut.IdempotencyKey]; ok {
		return id, false, nil
	}

	mut.LocalID = m.nextLocalID
	m.nextLocalID++
	mut.AttemptCount = 0
	mut.NextAttemptAt = 0
	mut.State = domain.MutationQueued

	m.queue = append(m.queue, mut)
	m.byKey[mut.IdempotencyKey] = mut.LocalID
	return mut.LocalID, true, nil
}

func (m *Memory) ListMutations(_ context.Context) ([]domain.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Mutation, len(m.queue))
	copy(out, m.queue)
	return out, nil
}

func (m *Memory) MarkInFlight(_ context.Context, localID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mut := m.find(localID)
	if mut == nil {
		return false, nil
	}
	if mut.State != domain.MutationQueued && mut.State != domain.MutationRetryScheduled {
		return false, nil
	}
	mut.State = domain.MutationInFlight
	return true, nil
}

func (m *Memory) ScheduleRetry(_ context.Context, localID int64, attemptCount int, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mut := m.find(localID)
	if mut == nil {
		return fmt.Errorf("schedule retry: mutation %d not found", localID)
	}
	mut.State = domain.MutationRetryScheduled
	mut.AttemptCount = attemptCount
	mut.NextAttemptAt = nextAttemptAt.UnixMilli()
	return nil
}

func (m *Memory) Ack(_ context.Context, mut domain.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(mut.LocalID)
	if mut.RecordCollection != "" && mut.RecordID != "" {
		if rec, ok := m.records[mut.RecordCollection][mut.RecordID]; ok {
			rec.SyncState = domain.SyncStateSynced
			m.records[mut.RecordCollection][mut.RecordID] = rec
		}
	}
	return nil
}

func (m *Memory) Abandon(_ context.Context, localID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(localID)
	return nil
}

func (m *Memory) RequeueInFlight(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for i := range m.queue {
		if m.queue[i].State == domain.MutationInFlight {
			m.queue[i].State = domain.MutationQueued
			n++
		}
	}
	return n, nil
}

func (m *Memory) QueueDepth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), nil
}

func (m *Memory) PendingByKind(_ context.Context) (map[domain.MutationKind]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.MutationKind]int)
	for _, mut := range m.queue {
		counts[mut.Kind]++
	}
	return counts, nil
}

func (m *Memory) ReconcileOrphans(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := make(map[string]bool)
	for _, mut := range m.queue {
		if mut.RecordCollection != "" && mut.RecordID != "" {
			queued[mut.RecordCollection+"\x00"+mut.RecordID] = true
		}
	}

	n := 0
	for collection, coll := range m.records {
		for id, rec := range coll {
			if rec.SyncState != domain.SyncStatePendingLocalWrite {
				continue
			}
			if queued[collection+"\x00"+id] {
				continue
			}
			rec.SyncState = domain.SyncStateSynced
			coll[id] = rec
			n++
		}
	}
	return n, nil
}

func (m *Memory) Wipe(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]map[string]domain.Record)
	m.queue = nil
	m.byKey = make(map[string]int64)
	return nil
}

// Durable reports false: nothing here survives a restart.
func (m *Memory) Durable() bool {
	return false
}

func (m *Memory) Close() error {
	return nil
}

// find returns a pointer into the queue slice; callers hold mu.
func (m *Memory) find(localID int64) *domain.Mutation {
	for i := range m.queue {
		if m.queue[i].LocalID == localID {
			return &m.queue[i]
		}
	}
	return nil
}

// remove deletes a mutation from the queue; callers hold mu.
func (m *Memory) remove(localID int64) {
	for i := range m.queue {
		if m.queue[i].LocalID == localID {
			delete(m.byKey, m.queue[i].IdempotencyKey)
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}
