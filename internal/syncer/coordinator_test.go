package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hallway/satchel/internal/api"
	"github.com/hallway/satchel/internal/bridge"
	"github.com/hallway/satchel/internal/domain"
	"github.com/hallway/satchel/internal/store"
	"github.com/hallway/satchel/internal/testutil"
)

// scriptedDeliverer records deliveries and delegates outcomes to fn.
// A nil fn means every delivery succeeds.
type scriptedDeliverer struct {
	mu    sync.Mutex
	calls []domain.Mutation
	fn    func(m domain.Mutation, call int) error
}

func (d *scriptedDeliverer) Deliver(_ context.Context, m domain.Mutation) (json.RawMessage, error) {
	d.mu.Lock()
	call := len(d.calls)
	d.calls = append(d.calls, m)
	fn := d.fn
	d.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return nil, fn(m, call)
}

func (d *scriptedDeliverer) deliveredKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, len(d.calls))
	for i, m := range d.calls {
		keys[i] = m.IdempotencyKey
	}
	return keys
}

func transientErr() error {
	return &api.Error{Kind: api.KindTransient, StatusCode: 502, Endpoint: "POST /api/swipe"}
}

func conflictErr() error {
	return &api.Error{Kind: api.KindConflict, StatusCode: 409, Endpoint: "POST /api/swipe", Message: "already swiped"}
}

func invalidErr() error {
	return &api.Error{Kind: api.KindInvalid, StatusCode: 400, Endpoint: "POST /api/swipe", Message: "missing partyId"}
}

// world wires a Coordinator to an in-memory store, a manual clock and
// scheduler, and a subscribed event bridge. Backoff jitter is pinned so
// retry delays for attempts 1, 2, 3 are exactly 5s, 10s, 20s.
type world struct {
	t     *testing.T
	store store.Store
	clock *testutil.ManualClock
	sched *testutil.ManualScheduler
	dlv   *scriptedDeliverer
	sub   <-chan bridge.Event
	coord *Coordinator
}

func newWorld(t *testing.T) *world {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := bridge.New(logger)
	sub, cancel := events.Subscribe()
	t.Cleanup(cancel)
	t.Cleanup(events.Close)

	w := &world{
		t:     t,
		store: store.NewMemory(),
		clock: testutil.NewManualClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
		sched: testutil.NewManualScheduler(),
		dlv:   &scriptedDeliverer{},
		sub:   sub,
	}

	coord, err := New(Config{
		Store:     w.store,
		Client:    w.dlv,
		Events:    events,
		Logger:    logger,
		Clock:     w.clock,
		Scheduler: w.sched,
		Backoff:   NewBackoffWithRand(10*time.Second, 5*time.Minute, lowJitter),
	})
	require.NoError(t, err)
	w.coord = coord
	t.Cleanup(coord.Close)
	return w
}

func (w *world) submit(kind domain.MutationKind, key string) domain.Mutation {
	w.t.Helper()
	m, _, err := w.coord.Submit(context.Background(), SubmitRequest{
		Kind:           kind,
		Payload:        json.RawMessage(`{"target":"attendee-7"}`),
		IdempotencyKey: key,
	})
	require.NoError(w.t, err)
	return m
}

// events drains everything currently buffered on the subscription.
func (w *world) events() []bridge.Event {
	var out []bridge.Event
	for {
		select {
		case e := <-w.sub:
			out = append(out, e)
		default:
			return out
		}
	}
}

// drainWake empties the coordinator's wake channel so tests can assert a
// fresh signal.
func (w *world) drainWake() {
	select {
	case <-w.coord.Wake():
	default:
	}
}

func (w *world) wakePending() bool {
	select {
	case <-w.coord.Wake():
		return true
	default:
		return false
	}
}

func TestNew_RequiresStoreAndClient(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Store: store.NewMemory()})
	require.Error(t, err)

	_, err = New(Config{Store: store.NewMemory(), Client: &scriptedDeliverer{}})
	require.NoError(t, err)
}

func TestNew_FillsDefaults(t *testing.T) {
	c, err := New(Config{Store: store.NewMemory(), Client: &scriptedDeliverer{}})
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxAttempts, c.maxAttempts)
	assert.NotNil(t, c.clock)
	assert.NotNil(t, c.sched)
	assert.NotNil(t, c.keys)
	assert.NotNil(t, c.backoff)
	assert.NotNil(t, c.logger)
}

func TestSubmit_QueuesAndSignals(t *testing.T) {
	w := newWorld(t)

	m, inserted, err := w.coord.Submit(context.Background(), SubmitRequest{
		Kind:           domain.MutationSwipe,
		Payload:        json.RawMessage(`{"target":"attendee-7"}`),
		IdempotencyKey: "s1",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), m.LocalID)
	assert.Equal(t, domain.MutationQueued, m.State)

	depth, err := w.store.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	assert.True(t, w.wakePending())
}

func TestSubmit_DedupesByIdempotencyKey(t *testing.T) {
	w := newWorld(t)

	first := w.submit(domain.MutationSwipe, "s1")

	second, inserted, err := w.coord.Submit(context.Background(), SubmitRequest{
		Kind:           domain.MutationSwipe,
		Payload:        json.RawMessage(`{"target":"attendee-7"}`),
		IdempotencyKey: "s1",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.LocalID, second.LocalID)

	depth, err := w.store.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestSubmit_GeneratesKeyWhenEmpty(t *testing.T) {
	coord, err := New(Config{
		Store:  store.NewMemory(),
		Client: &scriptedDeliverer{},
		Keys:   NewFixedKeys("generated-1"),
	})
	require.NoError(t, err)

	m, inserted, err := coord.Submit(context.Background(), SubmitRequest{
		Kind:    domain.MutationMessage,
		Payload: json.RawMessage(`{"text":"see you at the booth"}`),
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "generated-1", m.IdempotencyKey)
}

func TestDrain_DeliversFIFOAndReportsCount(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	// An optimistic record the swipe references.
	require.NoError(t, w.store.PutRecord(ctx, domain.Record{
		Collection: domain.CollectionMatches,
		ID:         "attendee-7",
		Payload:    json.RawMessage(`{"liked":true}`),
		UpdatedAt:  w.clock.Now().UnixMilli(),
		SyncState:  domain.SyncStatePendingLocalWrite,
	}))

	_, _, err := w.coord.Submit(ctx, SubmitRequest{
		Kind:             domain.MutationSwipe,
		Payload:          json.RawMessage(`{"target":"attendee-7"}`),
		IdempotencyKey:   "a",
		RecordCollection: domain.CollectionMatches,
		RecordID:         "attendee-7",
	})
	require.NoError(t, err)
	w.submit(domain.MutationMessage, "b")
	w.submit(domain.MutationSwipe, "c")

	res, err := w.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 3, res.Acked)
	assert.Equal(t, 0, res.Retried)
	assert.Empty(t, res.Abandoned)
	assert.False(t, res.Coalesced)

	// Insertion order held across kinds.
	assert.Equal(t, []string{"a", "b", "c"}, w.dlv.deliveredKeys())

	depth, err := w.store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	rec, err := w.store.GetRecord(ctx, domain.CollectionMatches, "attendee-7")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateSynced, rec.SyncState)

	evts := w.events()
	require.Len(t, evts, 1)
	assert.Equal(t, bridge.EventSyncComplete, evts[0].Type)
	assert.Equal(t, 3, evts[0].SyncedCount)
}

func TestDrain_TransientFailureBlocksKindOnly(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.dlv.fn = func(m domain.Mutation, _ int) error {
		if m.IdempotencyKey == "s1" {
			return transientErr()
		}
		return nil
	}

	w.submit(domain.MutationSwipe, "s1")
	w.submit(domain.MutationSwipe, "s2")
	w.submit(domain.MutationMessage, "m1")

	expectedNext := w.clock.Now().Add(5 * time.Second).UnixMilli()

	res, err := w.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted, "s2 is blocked behind s1")
	assert.Equal(t, 1, res.Acked)
	assert.Equal(t, 1, res.Retried)

	assert.Equal(t, []string{"s1", "m1"}, w.dlv.deliveredKeys())

	muts, err := w.store.ListMutations(ctx)
	require.NoError(t, err)
	require.Len(t, muts, 2)
	assert.Equal(t, "s1", muts[0].IdempotencyKey)
	assert.Equal(t, domain.MutationRetryScheduled, muts[0].State)
	assert.Equal(t, 1, muts[0].AttemptCount)
	assert.Equal(t, expectedNext, muts[0].NextAttemptAt)
	assert.Equal(t, "s2", muts[1].IdempotencyKey)
	assert.Equal(t, domain.MutationQueued, muts[1].State)

	// One retry timer armed for the 5s backoff.
	assert.Equal(t, 1, w.sched.Pending())
	d, ok := w.sched.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	evts := w.events()
	require.Len(t, evts, 1)
	assert.Equal(t, bridge.EventSyncComplete, evts[0].Type)
	assert.Equal(t, 1, evts[0].SyncedCount)
}

func TestDrain_RetryAfterDelaySucceeds(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.dlv.fn = func(m domain.Mutation, _ int) error {
		if m.AttemptCount == 0 {
			return transientErr()
		}
		return nil
	}

	w.submit(domain.MutationSwipe, "s1")

	res, err := w.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Empty(t, w.events(), "a retry alone publishes nothing")

	// Before the delay elapses the mutation stays parked.
	w.clock.Advance(2 * time.Second)
	res, err = w.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)

	w.clock.Advance(3 * time.Second)
	res, err = w.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acked)

	assert.Equal(t, []string{"s1", "s1"}, w.dlv.deliveredKeys())

	depth, err := w.store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	evts := w.events()
	require.Len(t, evts, 1)
	assert.Equal(t, bridge.EventSyncComplete, evts[0].Type)
	assert.Equal(t, 1, evts[0].SyncedCount)
}

func TestDrain_AttemptCeilingAbandons(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.dlv.fn = func(domain.Mutation, int) error { return transientErr() }

	w.submit(domain.MutationSwipe, "s1")

	// Attempt 1 fails, retry in 5s.
	_, err := w.coord.Drain(ctx)
	require.NoError(t, err)

	// Attempt 2 fails, retry in 10s.
	w.clock.Advance(5 * time.Second)
	_, err = w.coord.Drain(ctx)
	require.NoError(t, err)

	// Attempt 3 hits the ceiling.
	w.clock.Advance(10 * time.Second)
	res, err := w.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.MutationKind]int{domain.MutationSwipe: 1}, res.Abandoned)

	assert.Len(t, w.dlv.deliveredKeys(), 3)

	depth, err := w.store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	evts := w.events()
	require.Len(t, evts, 1)
	assert.Equal(t, bridge.EventSyncFailed, evts[0].Type)
	assert.Equal(t, map[domain.MutationKind]int{domain.MutationSwipe: 1}, evts[0].Abandoned)
}

func TestDrain_TerminalRejectionAbandonsImmediately(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"conflict-409", conflictErr()},
		{"invalid-400", invalidErr()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newWorld(t)
			ctx := context.Background()

			w.dlv.fn = func(domain.Mutation, int) error { return tc.err }

			w.submit(domain.MutationSwipe, "s1")

			res, err := w.coord.Drain(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Attempted)
			assert.Equal(t, 0, res.Retried)
			assert.Equal(t, map[domain.MutationKind]int{domain.MutationSwipe: 1}, res.Abandoned)

			// One call, no retry timer: terminal rejections are never
			// retried.
			assert.Len(t, w.dlv.deliveredKeys(), 1)
			assert.Equal(t, 0, w.sched.Pending())

			depth, err := w.store.QueueDepth(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, depth)

			evts := w.events()
			require.Len(t, evts, 1)
			assert.Equal(t, bridge.EventSyncFailed, evts[0].Type)
		})
	}
}

func TestDrain_ConcurrentCallCoalesces(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	entered := make(chan struct{})
	gate := make(chan struct{})
	w.dlv.fn = func(m domain.Mutation, _ int) error {
		if m.IdempotencyKey == "m1" {
			close(entered)
			<-gate
		}
		return nil
	}

	w.submit(domain.MutationMessage, "m1")

	done := make(chan DrainResult, 1)
	go func() {
		res, err := w.coord.Drain(ctx)
		assert.NoError(t, err)
		done <- res
	}()

	<-entered

	// A drain requested mid-drain does no work itself.
	w.submit(domain.MutationMessage, "m2")
	res, err := w.coord.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Coalesced)
	assert.Equal(t, 0, res.Attempted)

	close(gate)
	first := <-done

	// The running drain reran and picked up m2.
	assert.Equal(t, 2, first.Attempted)
	assert.Equal(t, 2, first.Acked)
	assert.Equal(t, []string{"m1", "m2"}, w.dlv.deliveredKeys())

	evts := w.events()
	require.Len(t, evts, 2)
	assert.Equal(t, 1, evts[0].SyncedCount)
	assert.Equal(t, 1, evts[1].SyncedCount)
}

func TestDrain_TimerWakesRetry(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.dlv.fn = func(m domain.Mutation, _ int) error {
		if m.AttemptCount == 0 {
			return transientErr()
		}
		return nil
	}

	w.submit(domain.MutationSwipe, "s1")
	_, err := w.coord.Drain(ctx)
	require.NoError(t, err)

	w.drainWake()
	require.Equal(t, 1, w.sched.Pending())

	w.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, w.sched.FireAll())
	assert.True(t, w.wakePending(), "timer fire signals the drain loop")

	res, err := w.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acked)
}

func TestDrain_EmptyQueuePublishesNothing(t *testing.T) {
	w := newWorld(t)

	res, err := w.coord.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Abandoned: map[domain.MutationKind]int{}}, res)
	assert.Empty(t, w.events())
	assert.Equal(t, 0, w.sched.Pending())
}

func TestDrain_CanceledContextLeavesQueueUntouched(t *testing.T) {
	w := newWorld(t)

	w.submit(domain.MutationSwipe, "s1")
	w.submit(domain.MutationMessage, "m1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := w.coord.Drain(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Attempted)
	assert.Empty(t, w.dlv.deliveredKeys())

	muts, err := w.store.ListMutations(context.Background())
	require.NoError(t, err)
	require.Len(t, muts, 2)
	for _, m := range muts {
		assert.Equal(t, domain.MutationQueued, m.State)
	}
}

func TestRecover_RepairsQueueAndRecords(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	// A mutation stranded in flight by a crash.
	localID, _, err := w.store.Enqueue(ctx, domain.Mutation{
		Kind:           domain.MutationSwipe,
		Payload:        json.RawMessage(`{"target":"attendee-7"}`),
		IdempotencyKey: "stranded",
		EnqueuedAt:     w.clock.Now().UnixMilli(),
	})
	require.NoError(t, err)
	claimed, err := w.store.MarkInFlight(ctx, localID)
	require.NoError(t, err)
	require.True(t, claimed)

	// A record left pending with no matching mutation.
	require.NoError(t, w.store.PutRecord(ctx, domain.Record{
		Collection: domain.CollectionMessages,
		ID:         "msg-4",
		Payload:    json.RawMessage(`{"text":"hi"}`),
		UpdatedAt:  w.clock.Now().UnixMilli(),
		SyncState:  domain.SyncStatePendingLocalWrite,
	}))

	requeued, reconciled, err := w.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, reconciled)
	assert.True(t, w.wakePending())

	muts, err := w.store.ListMutations(ctx)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, domain.MutationQueued, muts[0].State)

	rec, err := w.store.GetRecord(ctx, domain.CollectionMessages, "msg-4")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateSynced, rec.SyncState)
}

func TestScheduleWake_KeepsEarliestTimer(t *testing.T) {
	w := newWorld(t)
	now := w.clock.Now()

	w.coord.scheduleWake(now.Add(10 * time.Second))
	d, ok := w.sched.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, d)

	// A later wake does not replace the armed timer.
	w.coord.scheduleWake(now.Add(30 * time.Second))
	assert.Equal(t, 1, w.sched.Pending())
	d, _ = w.sched.NextDelay()
	assert.Equal(t, 10*time.Second, d)

	// An earlier wake does.
	w.coord.scheduleWake(now.Add(2 * time.Second))
	assert.Equal(t, 1, w.sched.Pending())
	d, _ = w.sched.NextDelay()
	assert.Equal(t, 2*time.Second, d)
}

func TestDrain_ErrorsAreClassifiedNotStringMatched(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	// A wrapped conflict is still terminal.
	w.dlv.fn = func(domain.Mutation, int) error {
		return errors.Join(errors.New("delivering swipe"), conflictErr())
	}

	w.submit(domain.MutationSwipe, "s1")

	res, err := w.coord.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.MutationKind]int{domain.MutationSwipe: 1}, res.Abandoned)
}
