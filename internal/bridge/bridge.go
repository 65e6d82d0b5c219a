// Package bridge fans engine events out to the app layer: update
// availability, sync completion, offline readiness, reload directives,
// and aggregated sync failures. Delivery is non-blocking; a subscriber
// that stops draining its channel loses events rather than stalling the
// engine.
package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hallway/satchel/internal/domain"
)

// EventType identifies what happened.
type EventType string

const (
	// EventUpdateAvailable fires when a newer build is installed and
	// waiting for handoff.
	EventUpdateAvailable EventType = "UPDATE_AVAILABLE"

	// EventSyncComplete fires after a drain pass that acknowledged at
	// least one mutation.
	EventSyncComplete EventType = "SYNC_COMPLETE"

	// EventOfflineReady fires once the precache pass has finished and
	// the app shell can be served without a network.
	EventOfflineReady EventType = "OFFLINE_READY"

	// EventSyncFailed aggregates the mutations abandoned during a drain
	// pass, grouped by kind. One event per pass, not per mutation.
	EventSyncFailed EventType = "SYNC_FAILED"

	// EventReloadRequired fires exactly once per activation, after the
	// waiting build was promoted, so the app reloads onto the new assets.
	EventReloadRequired EventType = "RELOAD_REQUIRED"
)

// Event is one signal to the app layer.
type Event struct {
	Type EventType `json:"type"`

	// Version is set on UPDATE_AVAILABLE and RELOAD_REQUIRED.
	Version string `json:"version,omitempty"`

	// SyncedCount is set on SYNC_COMPLETE.
	SyncedCount int `json:"synced_count,omitempty"`

	// Abandoned is set on SYNC_FAILED.
	Abandoned map[domain.MutationKind]int `json:"abandoned,omitempty"`
}

// UpdateAvailable builds an UPDATE_AVAILABLE event.
func UpdateAvailable(version string) Event {
	return Event{Type: EventUpdateAvailable, Version: version}
}

// SyncComplete builds a SYNC_COMPLETE event.
func SyncComplete(count int) Event {
	return Event{Type: EventSyncComplete, SyncedCount: count}
}

// OfflineReady builds an OFFLINE_READY event.
func OfflineReady() Event {
	return Event{Type: EventOfflineReady}
}

// SyncFailed builds a SYNC_FAILED event.
func SyncFailed(abandoned map[domain.MutationKind]int) Event {
	return Event{Type: EventSyncFailed, Abandoned: abandoned}
}

// ReloadRequired builds a RELOAD_REQUIRED event for the newly activated
// version.
func ReloadRequired(version string) Event {
	return Event{Type: EventReloadRequired, Version: version}
}

// subscriberBuffer is each subscriber's channel capacity. Events beyond
// it are dropped for that subscriber.
const subscriberBuffer = 16

// Bridge delivers events to any number of subscribers. The zero value
// is not usable; call New.
type Bridge struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Int64
}

// New creates a Bridge.
func New(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. Cancel closes the channel; pending buffered events
// can still be drained from it.
func (b *Bridge) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking. A full
// subscriber buffer drops the event for that subscriber only.
func (b *Bridge) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("bridge subscriber full, dropping event", "type", ev.Type)
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
