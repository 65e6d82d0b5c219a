package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hallway/satchel/internal/bridge"
	"github.com/hallway/satchel/internal/domain"
	"github.com/hallway/satchel/internal/store"
	"github.com/hallway/satchel/internal/syncer"
	"github.com/hallway/satchel/internal/testutil"
)

// scenarioEpoch is the wall-clock origin every scenario starts from.
var scenarioEpoch = time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

// Harness wires one scenario run: a real coordinator over a fresh
// in-memory store, with deterministic collaborators standing in for
// everything environmental.
type Harness struct {
	store  store.Store
	coord  *syncer.Coordinator
	remote *ScriptedRemote
	clock  *testutil.ManualClock
	sched  *testutil.ManualScheduler
	sub    <-chan bridge.Event
	result *Result
}

// Run executes a scenario and returns its result. The scenario is
// validated first, so programmatically built scenarios get the same
// checks as loaded ones.
func Run(scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open scenario store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	events := bridge.New(logger)
	defer events.Close()
	sub, cancelSub := events.Subscribe()
	defer cancelSub()

	result := NewResult()
	remote := newScriptedRemote(scenario.Remote, result)
	clock := testutil.NewManualClock(scenarioEpoch)
	sched := testutil.NewManualScheduler()
	retry := scenario.retrySettings()

	coord, err := syncer.New(syncer.Config{
		Store:       st,
		Client:      remote,
		Events:      events,
		Logger:      logger,
		Clock:       clock,
		Scheduler:   sched,
		Keys:        &sequenceKeys{},
		MaxAttempts: retry.maxAttempts,
		Backoff:     syncer.NewBackoffWithRand(retry.base, retry.max, zeroJitter),
	})
	if err != nil {
		return nil, fmt.Errorf("build coordinator: %w", err)
	}
	defer coord.Close()

	h := &Harness{
		store:  st,
		coord:  coord,
		remote: remote,
		clock:  clock,
		sched:  sched,
		sub:    sub,
		result: result,
	}

	ctx := context.Background()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, Remote: remote}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// zeroJitter pins the backoff jitter factor to its 0.5 floor, so
// attempt n always waits exactly half of base*2^(n-1).
func zeroJitter() float64 { return 0 }

// sequenceKeys hands out key-001, key-002, ... for submissions that do
// not carry their own idempotency key.
type sequenceKeys struct{ n int }

func (g *sequenceKeys) NewKey() string {
	g.n++
	return fmt.Sprintf("key-%03d", g.n)
}

func (h *Harness) executeStep(ctx context.Context, step Step) error {
	switch {
	case step.Submit != nil:
		return h.submit(ctx, *step.Submit)
	case step.Drain:
		return h.drain(ctx)
	case step.Advance != "":
		return h.advance(step.Advance)
	case step.Recover:
		return h.recoverQueue(ctx)
	case step.Strand != "":
		return h.strand(ctx, step.Strand)
	default:
		return fmt.Errorf("step has no action")
	}
}

func (h *Harness) submit(ctx context.Context, s SubmitStep) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	m, inserted, err := h.coord.Submit(ctx, syncer.SubmitRequest{
		Kind:             domain.MutationKind(s.Kind),
		Payload:          payload,
		IdempotencyKey:   s.Key,
		RecordCollection: s.Collection,
		RecordID:         s.RecordID,
	})
	if err != nil {
		return fmt.Errorf("submit %s: %w", s.Kind, err)
	}

	h.result.addEvent(TraceEvent{
		Type:     TraceSubmit,
		Kind:     string(m.Kind),
		Key:      m.IdempotencyKey,
		Inserted: &inserted,
	})
	return nil
}

// drain runs one drain, then moves the signals it published into the
// trace ahead of the summary event, preserving publish order.
func (h *Harness) drain(ctx context.Context) error {
	res, err := h.coord.Drain(ctx)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	h.pumpSignals()

	ev := TraceEvent{
		Type:      TraceDrain,
		Attempted: res.Attempted,
		Acked:     res.Acked,
		Retried:   res.Retried,
	}
	if len(res.Abandoned) > 0 {
		ev.Abandoned = kindCounts(res.Abandoned)
	}
	h.result.addEvent(ev)
	return nil
}

func (h *Harness) advance(raw string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	h.clock.Advance(d)
	h.sched.FireAll()
	h.result.addEvent(TraceEvent{Type: TraceAdvance, Elapsed: raw})
	return nil
}

func (h *Harness) recoverQueue(ctx context.Context) error {
	requeued, reconciled, err := h.coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	h.result.addEvent(TraceEvent{
		Type:       TraceRecover,
		Requeued:   requeued,
		Reconciled: reconciled,
	})
	return nil
}

// strand claims the queued mutation with the given key and leaves it in
// flight, reproducing what a crash mid-delivery leaves behind.
func (h *Harness) strand(ctx context.Context, key string) error {
	muts, err := h.store.ListMutations(ctx)
	if err != nil {
		return fmt.Errorf("strand %s: %w", key, err)
	}
	for _, m := range muts {
		if m.IdempotencyKey != key {
			continue
		}
		claimed, err := h.store.MarkInFlight(ctx, m.LocalID)
		if err != nil {
			return fmt.Errorf("strand %s: %w", key, err)
		}
		if !claimed {
			return fmt.Errorf("strand %s: mutation in state %s cannot be claimed", key, m.State)
		}
		h.result.addEvent(TraceEvent{Type: TraceStrand, Kind: string(m.Kind), Key: key})
		return nil
	}
	return fmt.Errorf("strand %s: no queued mutation with that key", key)
}

// pumpSignals moves everything the coordinator has published so far
// into the trace. Publishing happens synchronously inside Drain, so by
// the time a drain returns its signals are already buffered.
func (h *Harness) pumpSignals() {
	for {
		select {
		case ev := <-h.sub:
			te := TraceEvent{
				Type:        TraceSignal,
				Signal:      string(ev.Type),
				SyncedCount: ev.SyncedCount,
			}
			if len(ev.Abandoned) > 0 {
				te.Abandoned = kindCounts(ev.Abandoned)
			}
			h.result.addEvent(te)
		default:
			return
		}
	}
}

func kindCounts(m map[domain.MutationKind]int) map[string]int {
	out := make(map[string]int, len(m))
	for kind, n := range m {
		out[string(kind)] = n
	}
	return out
}
