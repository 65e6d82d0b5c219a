package bridge

import (
	"io"
	"log/slog"
	"testing"

	"github.com/hallway/satchel/internal/domain"
)

func newTestBridge() *Bridge {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublish_ReachesSubscriber(t *testing.T) {
	b := newTestBridge()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(SyncComplete(3))

	ev := <-ch
	if ev.Type != EventSyncComplete {
		t.Errorf("Type = %q, want %q", ev.Type, EventSyncComplete)
	}
	if ev.SyncedCount != 3 {
		t.Errorf("SyncedCount = %d, want 3", ev.SyncedCount)
	}
}

func TestPublish_FansOutToAllSubscribers(t *testing.T) {
	b := newTestBridge()
	first, cancelFirst := b.Subscribe()
	defer cancelFirst()
	second, cancelSecond := b.Subscribe()
	defer cancelSecond()

	b.Publish(UpdateAvailable("v48"))

	for i, ch := range []<-chan Event{first, second} {
		ev := <-ch
		if ev.Type != EventUpdateAvailable || ev.Version != "v48" {
			t.Errorf("subscriber %d got %+v", i, ev)
		}
	}
}

func TestPublish_PreservesOrder(t *testing.T) {
	b := newTestBridge()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(OfflineReady())
	b.Publish(SyncComplete(1))
	b.Publish(SyncComplete(2))

	want := []EventType{EventOfflineReady, EventSyncComplete, EventSyncComplete}
	for i, typ := range want {
		ev := <-ch
		if ev.Type != typ {
			t.Errorf("event %d type = %q, want %q", i, ev.Type, typ)
		}
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := newTestBridge()
	ch, cancel := b.Subscribe()
	defer cancel()

	// Overfill the buffer; every Publish must return immediately.
	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish(SyncComplete(i))
	}

	if got := b.Dropped(); got != 5 {
		t.Errorf("Dropped() = %d, want 5", got)
	}

	// The buffered prefix is still delivered in order.
	for i := 0; i < subscriberBuffer; i++ {
		ev := <-ch
		if ev.SyncedCount != i {
			t.Errorf("event %d SyncedCount = %d", i, ev.SyncedCount)
		}
	}
}

func TestCancel_StopsDeliveryAndClosesChannel(t *testing.T) {
	b := newTestBridge()
	ch, cancel := b.Subscribe()

	cancel()
	b.Publish(OfflineReady())

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// Cancel twice is safe.
	cancel()
}

func TestClose_ClosesAllSubscribers(t *testing.T) {
	b := newTestBridge()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after bridge Close")
	}

	// Publish and Close after Close are no-ops.
	b.Publish(OfflineReady())
	b.Close()
}

func TestSubscribe_AfterCloseReturnsClosedChannel(t *testing.T) {
	b := newTestBridge()
	b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()
	if _, ok := <-ch; ok {
		t.Error("subscribing to a closed bridge should return a closed channel")
	}
}

func TestSyncFailed_CarriesPerKindCounts(t *testing.T) {
	b := newTestBridge()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(SyncFailed(map[domain.MutationKind]int{
		domain.MutationSwipe:   2,
		domain.MutationMessage: 1,
	}))

	ev := <-ch
	if ev.Type != EventSyncFailed {
		t.Fatalf("Type = %q, want %q", ev.Type, EventSyncFailed)
	}
	if ev.Abandoned[domain.MutationSwipe] != 2 || ev.Abandoned[domain.MutationMessage] != 1 {
		t.Errorf("Abandoned = %v", ev.Abandoned)
	}
}
