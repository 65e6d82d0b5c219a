package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hallway/satchel/internal/domain"
)

func TestMemory_NotDurable(t *testing.T) {
	m := NewMemory()
	if m.Durable() {
		t.Error("Memory.Durable() = true, want false")
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestMemory_RecordRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := domain.Record{
		Collection: domain.CollectionMatches, ID: "p1",
		Payload: []byte(`{"name":"Expo Mixer"}`), UpdatedAt: 10,
	}
	if err := m.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	got, err := m.GetRecord(ctx, domain.CollectionMatches, "p1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.SyncState != domain.SyncStateSynced {
		t.Errorf("sync state = %q, want defaulted synced", got.SyncState)
	}

	if _, err := m.GetRecord(ctx, domain.CollectionMatches, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord missing = %v, want ErrNotFound", err)
	}

	if err := m.DeleteRecord(ctx, domain.CollectionMatches, "p1"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if _, err := m.GetRecord(ctx, domain.CollectionMatches, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord after delete = %v, want ErrNotFound", err)
	}
}

func TestMemory_ListRecordsMatchesSQLOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, rec := range []domain.Record{
		{Collection: domain.CollectionMessages, ID: "b", Payload: []byte(`{}`), UpdatedAt: 200},
		{Collection: domain.CollectionMessages, ID: "a", Payload: []byte(`{}`), UpdatedAt: 200},
		{Collection: domain.CollectionMessages, ID: "c", Payload: []byte(`{}`), UpdatedAt: 100},
	} {
		if err := m.PutRecord(ctx, rec); err != nil {
			t.Fatalf("PutRecord failed: %v", err)
		}
	}

	got, err := m.ListRecords(ctx, domain.CollectionMessages, Query{})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	// updated_at ascending, id tie-break
	wantOrder := []string{"c", "a", "b"}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Errorf("position %d: id = %q, want %q", i, got[i].ID, id)
		}
	}

	got, err = m.ListRecords(ctx, domain.CollectionMessages, Query{Descending: true, Limit: 1})
	if err != nil {
		t.Fatalf("ListRecords (desc) failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("descending limit 1 = %v, want [b]", got)
	}
}

func TestMemory_QueueSemantics(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id1, inserted, err := m.Enqueue(ctx, domain.Mutation{
		Kind: domain.MutationMessage, Payload: []byte(`{}`), IdempotencyKey: "k1", EnqueuedAt: 1,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !inserted || id1 != 1 {
		t.Errorf("first Enqueue = (%d, %v), want (1, true)", id1, inserted)
	}

	// Duplicate key returns the existing id
	id2, inserted, err := m.Enqueue(ctx, domain.Mutation{
		Kind: domain.MutationMessage, Payload: []byte(`{}`), IdempotencyKey: "k1", EnqueuedAt: 2,
	})
	if err != nil {
		t.Fatalf("duplicate Enqueue failed: %v", err)
	}
	if inserted || id2 != id1 {
		t.Errorf("duplicate Enqueue = (%d, %v), want (%d, false)", id2, inserted, id1)
	}

	claimed, err := m.MarkInFlight(ctx, id1)
	if err != nil || !claimed {
		t.Fatalf("MarkInFlight = (%v, %v), want (true, nil)", claimed, err)
	}
	claimed, err = m.MarkInFlight(ctx, id1)
	if err != nil {
		t.Fatalf("second MarkInFlight failed: %v", err)
	}
	if claimed {
		t.Error("second MarkInFlight claimed an in-flight mutation")
	}

	if err := m.ScheduleRetry(ctx, id1, 1, time.UnixMilli(9000)); err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}
	muts, err := m.ListMutations(ctx)
	if err != nil {
		t.Fatalf("ListMutations failed: %v", err)
	}
	if muts[0].State != domain.MutationRetryScheduled || muts[0].AttemptCount != 1 {
		t.Errorf("after retry: %+v", muts[0])
	}

	if err := m.Abandon(ctx, id1); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	depth, err := m.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("depth after abandon = %d, want 0", depth)
	}

	// The abandoned key is free for a fresh enqueue
	id3, inserted, err := m.Enqueue(ctx, domain.Mutation{
		Kind: domain.MutationMessage, Payload: []byte(`{}`), IdempotencyKey: "k1", EnqueuedAt: 3,
	})
	if err != nil {
		t.Fatalf("re-Enqueue failed: %v", err)
	}
	if !inserted || id3 == id1 {
		t.Errorf("re-Enqueue = (%d, %v), want fresh id", id3, inserted)
	}
}

func TestMemory_AckFlipsRecord(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.PutRecord(ctx, domain.Record{
		Collection: domain.CollectionMessages, ID: "m1", Payload: []byte(`{}`),
		UpdatedAt: 1, SyncState: domain.SyncStatePendingLocalWrite,
	}); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	if _, _, err := m.Enqueue(ctx, domain.Mutation{
		Kind: domain.MutationMessage, Payload: []byte(`{}`), IdempotencyKey: "k1",
		RecordCollection: domain.CollectionMessages, RecordID: "m1", EnqueuedAt: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	muts, _ := m.ListMutations(ctx)
	if err := m.Ack(ctx, muts[0]); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	rec, err := m.GetRecord(ctx, domain.CollectionMessages, "m1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if rec.SyncState != domain.SyncStateSynced {
		t.Errorf("sync state after ack = %q, want synced", rec.SyncState)
	}
}

func TestMemory_ReconcileOrphans(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.PutRecord(ctx, domain.Record{
		Collection: domain.CollectionEvents, ID: "orphan", Payload: []byte(`{}`),
		UpdatedAt: 1, SyncState: domain.SyncStatePendingLocalWrite,
	}); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	repaired, err := m.ReconcileOrphans(ctx)
	if err != nil {
		t.Fatalf("ReconcileOrphans failed: %v", err)
	}
	if repaired != 1 {
		t.Errorf("repaired = %d, want 1", repaired)
	}

	rec, _ := m.GetRecord(ctx, domain.CollectionEvents, "orphan")
	if rec.SyncState != domain.SyncStateSynced {
		t.Errorf("orphan state = %q, want synced", rec.SyncState)
	}
}

func TestMemory_Wipe(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.PutRecord(ctx, domain.Record{
		Collection: domain.CollectionEvents, ID: "e1", Payload: []byte(`{}`), UpdatedAt: 1,
	}); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}
	if _, _, err := m.Enqueue(ctx, domain.Mutation{
		Kind: domain.MutationSwipe, Payload: []byte(`{}`), IdempotencyKey: "k1", EnqueuedAt: 1,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := m.Wipe(ctx); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}

	count, _ := m.CountRecords(ctx, domain.CollectionEvents)
	depth, _ := m.QueueDepth(ctx)
	if count != 0 || depth != 0 {
		t.Errorf("after wipe: records = %d, depth = %d, want 0, 0", count, depth)
	}
}
