package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hallway/satchel/internal/api"
	"github.com/hallway/satchel/internal/bridge"
	"github.com/hallway/satchel/internal/domain"
	"github.com/hallway/satchel/internal/store"
)

// DefaultMaxAttempts is the delivery ceiling: a mutation failing this many
// times in a row is abandoned and reported.
const DefaultMaxAttempts = 3

// Deliverer sends one mutation to the remote API. *api.Client satisfies
// it; tests script their own.
type Deliverer interface {
	Deliver(ctx context.Context, m domain.Mutation) (json.RawMessage, error)
}

// Config configures a Coordinator. Store and Client are required; every
// other field has a production default.
type Config struct {
	Store  store.Store
	Client Deliverer
	Events *bridge.Bridge // nil disables event publishing
	Logger *slog.Logger

	Clock     Clock
	Scheduler Scheduler
	Keys      KeyGenerator

	MaxAttempts int
	Backoff     *Backoff
}

// Coordinator owns the pending-mutation queue's state transitions.
type Coordinator struct {
	store  store.Store
	client Deliverer
	events *bridge.Bridge
	logger *slog.Logger

	clock       Clock
	sched       Scheduler
	keys        KeyGenerator
	maxAttempts int
	backoff     *Backoff

	// drainMu serializes drains; rerun coalesces requests that arrive
	// while one is running into a rerun of the active drain.
	drainMu sync.Mutex
	rerun   atomic.Bool

	// wake signals that a drain is worth attempting (buffered, size 1).
	wake chan struct{}

	// Earliest armed retry timer. Replaced only by an earlier wake.
	timerMu     sync.Mutex
	timerAt     time.Time
	cancelTimer func()
}

// New builds a Coordinator from cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("syncer: store is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("syncer: client is required")
	}

	c := &Coordinator{
		store:       cfg.Store,
		client:      cfg.Client,
		events:      cfg.Events,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		sched:       cfg.Scheduler,
		keys:        cfg.Keys,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		wake:        make(chan struct{}, 1),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	if c.sched == nil {
		c.sched = SystemScheduler{}
	}
	if c.keys == nil {
		c.keys = UUIDv7Keys{}
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.backoff == nil {
		c.backoff = NewBackoff(DefaultBaseDelay, DefaultMaxDelay)
	}
	return c, nil
}

// SubmitRequest describes a write to queue for delivery.
type SubmitRequest struct {
	Kind    domain.MutationKind
	Payload json.RawMessage

	// IdempotencyKey dedupes the submission. Generated when empty;
	// callers pass their own to make a resubmit after a crash collapse
	// onto the original queue entry.
	IdempotencyKey string

	// RecordCollection/RecordID reference the optimistically written
	// record, if any, so acknowledgement can flip it to synced.
	RecordCollection string
	RecordID         string
}

// Submit enqueues a mutation and signals the drain loop. Returns the
// queued mutation and whether a new row was inserted; inserted=false means
// the idempotency key was already queued and the existing entry stands.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (domain.Mutation, bool, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = c.keys.NewKey()
	}

	m := domain.Mutation{
		Kind:             req.Kind,
		Payload:          req.Payload,
		IdempotencyKey:   key,
		RecordCollection: req.RecordCollection,
		RecordID:         req.RecordID,
		EnqueuedAt:       c.clock.Now().UnixMilli(),
		State:            domain.MutationQueued,
	}

	localID, inserted, err := c.store.Enqueue(ctx, m)
	if err != nil {
		return domain.Mutation{}, false, fmt.Errorf("submit %s: %w", req.Kind, err)
	}
	m.LocalID = localID

	if inserted {
		c.logger.Debug("mutation queued",
			"kind", m.Kind,
			"local_id", localID,
			"idempotency_key", key)
	} else {
		c.logger.Debug("mutation already queued, reusing entry",
			"kind", m.Kind,
			"local_id", localID,
			"idempotency_key", key)
	}

	c.kick()
	return m, inserted, nil
}

// Recover repairs queue state after a restart: mutations stranded in
// flight go back to queued (their outcome is unknown and the idempotency
// key makes redelivery safe), and records left pending with no matching
// mutation are reconciled. Call once before the first drain.
func (c *Coordinator) Recover(ctx context.Context) (requeued, reconciled int, err error) {
	requeued, err = c.store.RequeueInFlight(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("recover: requeue in flight: %w", err)
	}

	reconciled, err = c.store.ReconcileOrphans(ctx)
	if err != nil {
		return requeued, 0, fmt.Errorf("recover: reconcile orphans: %w", err)
	}

	if requeued > 0 || reconciled > 0 {
		c.logger.Info("queue recovered",
			"requeued", requeued,
			"reconciled", reconciled)
	}
	if requeued > 0 {
		c.kick()
	}
	return requeued, reconciled, nil
}

// DrainResult summarizes one Drain call.
type DrainResult struct {
	Attempted int
	Acked     int
	Retried   int
	Abandoned map[domain.MutationKind]int

	// Coalesced means another drain was already running; this call did no
	// work itself but the active drain will rerun before finishing.
	Coalesced bool
}

// Drain delivers every eligible mutation. Only one drain runs at a time:
// concurrent calls return immediately with Coalesced=true and the running
// drain picks up their work in a rerun pass.
//
// Context cancellation stops the drain between deliveries; claimed but
// undelivered mutations are recovered by Recover on the next start.
func (c *Coordinator) Drain(ctx context.Context) (DrainResult, error) {
	if !c.drainMu.TryLock() {
		c.rerun.Store(true)
		c.logger.Debug("drain already running, coalescing")
		return DrainResult{Coalesced: true}, nil
	}
	defer c.drainMu.Unlock()

	total := DrainResult{Abandoned: make(map[domain.MutationKind]int)}
	for {
		res, err := c.drainPass(ctx)
		total.Attempted += res.attempted
		total.Acked += res.acked
		total.Retried += res.retried
		for kind, n := range res.abandoned {
			total.Abandoned[kind] += n
		}
		if err != nil {
			return total, err
		}
		if !c.rerun.Swap(false) {
			return total, nil
		}
	}
}

// passResult accumulates one walk over the queue.
type passResult struct {
	attempted int
	acked     int
	retried   int
	abandoned map[domain.MutationKind]int
	wakeAt    time.Time // earliest future retry seen; zero when none
}

func (r *passResult) trackWake(at time.Time) {
	if at.IsZero() {
		return
	}
	if r.wakeAt.IsZero() || at.Before(r.wakeAt) {
		r.wakeAt = at
	}
}

// drainPass walks the queue once in local-id order. A mutation that
// cannot be attempted blocks every later mutation of its kind, preserving
// per-kind FIFO; other kinds continue.
func (c *Coordinator) drainPass(ctx context.Context) (passResult, error) {
	res := passResult{abandoned: make(map[domain.MutationKind]int)}

	muts, err := c.store.ListMutations(ctx)
	if err != nil {
		return res, fmt.Errorf("drain: list queue: %w", err)
	}
	if len(muts) == 0 {
		return res, nil
	}

	now := c.clock.Now()
	blocked := make(map[domain.MutationKind]bool)

	for _, m := range muts {
		if err := ctx.Err(); err != nil {
			c.finishPass(&res)
			return res, err
		}
		if blocked[m.Kind] {
			continue
		}
		if m.State == domain.MutationInFlight {
			// Stranded claim from a crash Recover has not cleared yet.
			blocked[m.Kind] = true
			continue
		}
		if !m.Eligible(now) {
			blocked[m.Kind] = true
			res.trackWake(m.NextAttemptTime())
			continue
		}

		claimed, err := c.store.MarkInFlight(ctx, m.LocalID)
		if err != nil {
			c.finishPass(&res)
			return res, fmt.Errorf("drain: claim %d: %w", m.LocalID, err)
		}
		if !claimed {
			blocked[m.Kind] = true
			continue
		}

		res.attempted++
		c.deliver(ctx, m, &res, blocked)
	}

	c.finishPass(&res)
	return res, nil
}

// deliver attempts one claimed mutation and settles its outcome in the
// store.
func (c *Coordinator) deliver(ctx context.Context, m domain.Mutation, res *passResult, blocked map[domain.MutationKind]bool) {
	_, err := c.client.Deliver(ctx, m)
	if err == nil {
		if ackErr := c.store.Ack(ctx, m); ackErr != nil {
			// Delivered but not settled locally. Leave it in flight;
			// Recover requeues it and the idempotency key absorbs the
			// duplicate delivery.
			c.logger.Error("ack failed after delivery",
				"kind", m.Kind,
				"local_id", m.LocalID,
				"error", ackErr)
			blocked[m.Kind] = true
			return
		}
		res.acked++
		c.logger.Debug("mutation acknowledged",
			"kind", m.Kind,
			"local_id", m.LocalID)
		return
	}

	if api.IsTerminal(err) {
		c.logger.Warn("mutation rejected by server, abandoning",
			"kind", m.Kind,
			"local_id", m.LocalID,
			"error", err)
		c.abandon(ctx, m, res, blocked)
		return
	}

	attempt := m.AttemptCount + 1
	if attempt >= c.maxAttempts {
		c.logger.Warn("mutation reached attempt ceiling, abandoning",
			"kind", m.Kind,
			"local_id", m.LocalID,
			"attempts", attempt,
			"error", err)
		c.abandon(ctx, m, res, blocked)
		return
	}

	delay := c.backoff.Delay(attempt)
	next := c.clock.Now().Add(delay)
	if rErr := c.store.ScheduleRetry(ctx, m.LocalID, attempt, next); rErr != nil {
		c.logger.Error("failed to schedule retry",
			"kind", m.Kind,
			"local_id", m.LocalID,
			"error", rErr)
		blocked[m.Kind] = true
		return
	}
	res.retried++
	res.trackWake(next)
	blocked[m.Kind] = true
	c.logger.Info("delivery failed, retry scheduled",
		"kind", m.Kind,
		"local_id", m.LocalID,
		"attempt", attempt,
		"delay", delay,
		"error", err)
}

func (c *Coordinator) abandon(ctx context.Context, m domain.Mutation, res *passResult, blocked map[domain.MutationKind]bool) {
	if err := c.store.Abandon(ctx, m.LocalID); err != nil {
		c.logger.Error("failed to abandon mutation",
			"kind", m.Kind,
			"local_id", m.LocalID,
			"error", err)
		blocked[m.Kind] = true
		return
	}
	res.abandoned[m.Kind]++
}

// finishPass publishes the pass's events and arms the retry wakeup.
func (c *Coordinator) finishPass(res *passResult) {
	if res.acked > 0 {
		c.publish(bridge.SyncComplete(res.acked))
	}
	if len(res.abandoned) > 0 {
		c.publish(bridge.SyncFailed(res.abandoned))
	}
	if !res.wakeAt.IsZero() {
		c.scheduleWake(res.wakeAt)
	}
	if res.attempted > 0 {
		c.logger.Info("drain pass complete",
			"attempted", res.attempted,
			"acked", res.acked,
			"retried", res.retried,
			"abandoned", len(res.abandoned))
	}
}

func (c *Coordinator) publish(e bridge.Event) {
	if c.events == nil {
		return
	}
	c.events.Publish(e)
}

// scheduleWake arms a timer for the earliest pending retry. An armed
// timer is replaced only by an earlier wake time.
func (c *Coordinator) scheduleWake(at time.Time) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if c.cancelTimer != nil && !at.Before(c.timerAt) {
		return
	}
	if c.cancelTimer != nil {
		c.cancelTimer()
	}

	d := at.Sub(c.clock.Now())
	if d < 0 {
		d = 0
	}
	c.timerAt = at
	c.cancelTimer = c.sched.AfterFunc(d, func() {
		c.timerMu.Lock()
		c.timerAt = time.Time{}
		c.cancelTimer = nil
		c.timerMu.Unlock()
		c.kick()
	})
}

// kick signals the drain loop (non-blocking, size-1 buffer coalesces
// multiple signals).
func (c *Coordinator) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wake returns a channel that signals when a drain is worth attempting.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-coord.Wake():
//	    coord.Drain(ctx)
//	}
func (c *Coordinator) Wake() <-chan struct{} {
	return c.wake
}

// Close cancels any armed retry timer. It does not wait for an active
// drain.
func (c *Coordinator) Close() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
		c.timerAt = time.Time{}
	}
}
