// Package agent assembles the engine's components behind one
// single-threaded loop. Every piece of work that touches shared state,
// draining the queue, promoting a parked build, forwarding a push
// payload, runs on the loop goroutine in arrival order, so component
// state never needs cross-command locking.
//
// Work arrives three ways: commands enqueued through the public
// methods, retry-timer wakeups from the sync coordinator, and periodic
// update probes from the lifecycle manager. The loop drains commands
// first and parks in a select over the three sources.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/hallway/satchel/internal/bridge"
	"github.com/hallway/satchel/internal/cache"
	"github.com/hallway/satchel/internal/lifecycle"
	"github.com/hallway/satchel/internal/push"
	"github.com/hallway/satchel/internal/store"
	"github.com/hallway/satchel/internal/syncer"
)

// Config wires an Agent. Store and Coordinator are required; the rest
// degrade to no-ops when absent so partial assemblies stay runnable.
type Config struct {
	Store       store.Store
	Coordinator *syncer.Coordinator
	Lifecycle   *lifecycle.Manager
	Consumer    *push.Consumer
	Inbox       *push.ChanSource // where Push payloads are forwarded
	Transport   *cache.Transport // warms the static bucket at startup
	Origin      *url.URL         // precache base, required with Transport
	Assets      []string         // precache asset list
	Events      *bridge.Bridge
	Logger      *slog.Logger
}

// Agent owns the loop goroutine and the command queue feeding it.
type Agent struct {
	store     store.Store
	coord     *syncer.Coordinator
	lum       *lifecycle.Manager
	consumer  *push.Consumer
	inbox     *push.ChanSource
	transport *cache.Transport
	origin    *url.URL
	assets    []string
	events    *bridge.Bridge
	logger    *slog.Logger

	queue  *commandQueue
	online atomic.Bool
}

// New builds an Agent from cfg.
func New(cfg Config) (*Agent, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("agent: store is required")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("agent: coordinator is required")
	}
	if cfg.Transport != nil && cfg.Origin == nil {
		return nil, fmt.Errorf("agent: transport requires an origin")
	}

	a := &Agent{
		store:     cfg.Store,
		coord:     cfg.Coordinator,
		lum:       cfg.Lifecycle,
		consumer:  cfg.Consumer,
		inbox:     cfg.Inbox,
		transport: cfg.Transport,
		origin:    cfg.Origin,
		assets:    cfg.Assets,
		events:    cfg.Events,
		logger:    cfg.Logger,
		queue:     newCommandQueue(),
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.online.Store(true)
	return a, nil
}

// Run recovers the queue, warms the cache, and then processes work
// until ctx is cancelled or Stop is called. Commands still queued when
// Stop arrives are drained before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting")

	requeued, reconciled, err := a.coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	if requeued > 0 || reconciled > 0 {
		a.logger.Info("crash recovery complete",
			"requeued", requeued,
			"reconciled", reconciled)
	}

	a.warmup(ctx)

	if a.lum != nil {
		a.lum.StartChecks()
		defer a.lum.Close()
	}

	var wg sync.WaitGroup
	if a.consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("push consumer stopped", "error", err)
			}
		}()
	}
	defer wg.Wait()
	if a.inbox != nil {
		// Closing the inbox lets the consumer goroutine finish when the
		// loop exits through Stop rather than context cancellation.
		defer a.inbox.Close()
	}
	if a.transport != nil {
		defer a.transport.WaitBackground()
	}
	defer a.coord.Close()

	var due <-chan struct{}
	if a.lum != nil {
		due = a.lum.Due()
	}

	for {
		cmd, ok := a.queue.TryDequeue()
		if ok {
			a.handle(ctx, cmd)
			continue
		}
		if a.queue.Closed() {
			a.logger.Info("agent stopping, command queue closed")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.queue.Wait():
		case <-a.coord.Wake():
			a.drain(ctx)
		case <-due:
			a.checkUpdate(ctx)
		}
	}
}

// Stop closes the command queue. Run drains what is already queued and
// returns. Safe to call more than once and from any goroutine.
func (a *Agent) Stop() {
	a.queue.Close()
}

// Flush asks the loop to drain the mutation queue now.
func (a *Agent) Flush() bool {
	return a.queue.Enqueue(command{kind: cmdFlush})
}

// SkipWaiting asks the loop to promote a parked build.
func (a *Agent) SkipWaiting() bool {
	return a.queue.Enqueue(command{kind: cmdSkipWaiting})
}

// SetOnline reports a connectivity change. Coming back online triggers
// a drain.
func (a *Agent) SetOnline(online bool) bool {
	return a.queue.Enqueue(command{kind: cmdOnline, online: online})
}

// Push forwards a raw push payload to the notification consumer. The
// payload is copied, so the caller may reuse the slice.
func (a *Agent) Push(payload []byte) bool {
	return a.queue.Enqueue(command{kind: cmdPush, payload: bytes.Clone(payload)})
}

// CheckUpdate asks the loop to probe the backend for a new build now,
// without waiting for the periodic check.
func (a *Agent) CheckUpdate() bool {
	return a.queue.Enqueue(command{kind: cmdCheckUpdate})
}

// Online reports the last connectivity state the agent was told about.
func (a *Agent) Online() bool {
	return a.online.Load()
}

func (a *Agent) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdFlush:
		a.drain(ctx)
	case cmdSkipWaiting:
		a.skipWaiting(ctx)
	case cmdOnline:
		a.setOnline(ctx, cmd.online)
	case cmdPush:
		a.forwardPush(cmd.payload)
	case cmdCheckUpdate:
		a.checkUpdate(ctx)
	default:
		a.logger.Warn("unknown command", "kind", int(cmd.kind))
	}
}

// warmup precaches the manifest's assets and announces offline
// readiness when every asset made it in. A cold start with the network
// down logs and moves on; the engine still runs from whatever the
// buckets already hold.
func (a *Agent) warmup(ctx context.Context) {
	if a.transport == nil || len(a.assets) == 0 {
		return
	}

	res, err := a.transport.Precache(ctx, a.origin, a.assets)
	if err != nil {
		a.logger.Warn("precache interrupted", "error", err)
		return
	}
	if !res.Complete() {
		a.logger.Warn("precache incomplete, offline readiness not announced",
			"fetched", res.Fetched,
			"failed", res.Failed)
		return
	}
	a.publish(bridge.OfflineReady())
}

func (a *Agent) drain(ctx context.Context) {
	res, err := a.coord.Drain(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		a.logger.Error("drain failed", "error", err)
		return
	}
	if res.Coalesced {
		a.logger.Debug("drain coalesced into running pass")
	}
}

func (a *Agent) skipWaiting(ctx context.Context) {
	if a.lum == nil {
		a.logger.Warn("skip-waiting with no lifecycle manager")
		return
	}
	promoted, err := a.lum.SkipWaiting(ctx)
	if err != nil {
		a.logger.Error("skip-waiting failed", "error", err)
		return
	}
	if !promoted {
		a.logger.Debug("skip-waiting ignored, nothing parked")
	}
}

func (a *Agent) setOnline(ctx context.Context, online bool) {
	was := a.online.Swap(online)
	if was == online {
		return
	}
	if online {
		a.logger.Info("connectivity restored, draining queue")
		a.drain(ctx)
		return
	}
	a.logger.Info("connectivity lost")
}

func (a *Agent) forwardPush(payload []byte) {
	if a.inbox == nil {
		a.logger.Warn("push payload with no consumer configured")
		return
	}
	if !a.inbox.Push(payload) {
		a.logger.Warn("push inbox full, payload dropped", "size", len(payload))
	}
}

func (a *Agent) checkUpdate(ctx context.Context) {
	if a.lum == nil {
		return
	}
	parked, err := a.lum.CheckNow(ctx)
	if err != nil {
		a.logger.Warn("update check failed", "error", err)
		return
	}
	if parked {
		a.logger.Info("new build parked and waiting")
	}
}

func (a *Agent) publish(e bridge.Event) {
	if a.events == nil {
		return
	}
	a.events.Publish(e)
}
