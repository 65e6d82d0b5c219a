package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hallway/satchel/internal/bridge"
	"github.com/hallway/satchel/internal/testutil"
)

// scriptedSource serves a settable remote version.
type scriptedSource struct {
	mu      sync.Mutex
	version string
	err     error
	calls   int
}

func (s *scriptedSource) get(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.version, s.err
}

func (s *scriptedSource) set(version string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	s.err = err
}

// recordingInstaller records installed versions and fails on demand.
type recordingInstaller struct {
	mu        sync.Mutex
	installed []string
	err       error
}

func (i *recordingInstaller) Install(_ context.Context, version string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return i.err
	}
	i.installed = append(i.installed, version)
	return nil
}

func (i *recordingInstaller) versions() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.installed...)
}

// fakeBuckets records which version each cleanup kept.
type fakeBuckets struct {
	mu      sync.Mutex
	kept    []string
	dropped []string
	err     error
}

func (b *fakeBuckets) DropVersionsExcept(_ context.Context, version string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.kept = append(b.kept, version)
	return b.dropped, nil
}

type lumWorld struct {
	t      *testing.T
	clock  *testutil.ManualClock
	sched  *testutil.ManualScheduler
	sub    <-chan bridge.Event
	mgr    *Manager
	source *scriptedSource
	inst   *recordingInstaller
	bkts   *fakeBuckets
}

func newLumWorld(t *testing.T) *lumWorld {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := bridge.New(logger)
	sub, cancel := events.Subscribe()
	t.Cleanup(cancel)
	t.Cleanup(events.Close)

	w := &lumWorld{
		t:      t,
		clock:  testutil.NewManualClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
		sched:  testutil.NewManualScheduler(),
		sub:    sub,
		source: &scriptedSource{version: "v1"},
		inst:   &recordingInstaller{},
		bkts:   &fakeBuckets{dropped: []string{"static-v1", "api-v1"}},
	}

	mgr, err := New(Config{
		Version:    "v1",
		Source:     w.source.get,
		Installer:  w.inst,
		Buckets:    w.bkts,
		Events:     events,
		Logger:     logger,
		Clock:      w.clock,
		Scheduler:  w.sched,
		CheckEvery: time.Hour,
	})
	require.NoError(t, err)
	w.mgr = mgr
	t.Cleanup(mgr.Close)
	return w
}

func (w *lumWorld) events() []bridge.Event {
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

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{Source: func(context.Context) (string, error) { return "v1", nil }})
	require.Error(t, err)

	_, err = New(Config{Version: "v1"})
	require.Error(t, err)

	m, err := New(Config{Version: "v1", Source: func(context.Context) (string, error) { return "v1", nil }})
	require.NoError(t, err)
	assert.Equal(t, Registration{Version: "v1", State: StateActive}, m.Active())
}

func TestCheckNow_SameVersionIsNoOp(t *testing.T) {
	w := newLumWorld(t)

	updated, err := w.mgr.CheckNow(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)

	_, parked := w.mgr.Waiting()
	assert.False(t, parked)
	assert.Empty(t, w.events())
	assert.Equal(t, w.clock.Now(), w.mgr.LastChecked())
}

func TestCheckNow_NewVersionInstallsAndParks(t *testing.T) {
	w := newLumWorld(t)
	w.source.set("v2", nil)

	updated, err := w.mgr.CheckNow(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)

	assert.Equal(t, []string{"v2"}, w.inst.versions())

	reg, parked := w.mgr.Waiting()
	require.True(t, parked)
	assert.Equal(t, Registration{Version: "v2", State: StateWaiting}, reg)
	assert.True(t, w.mgr.UpdateAvailable())

	// The active build is untouched until handoff.
	assert.Equal(t, "v1", w.mgr.Active().Version)

	evts := w.events()
	require.Len(t, evts, 1)
	assert.Equal(t, bridge.EventUpdateAvailable, evts[0].Type)
	assert.Equal(t, "v2", evts[0].Version)
}

func TestCheckNow_RepeatDoesNotReannounce(t *testing.T) {
	w := newLumWorld(t)
	w.source.set("v2", nil)

	_, err := w.mgr.CheckNow(context.Background())
	require.NoError(t, err)

	updated, err := w.mgr.CheckNow(context.Background())
	require.NoError(t, err)
	assert.False(t, updated)

	assert.Equal(t, []string{"v2"}, w.inst.versions(), "installed once")
	assert.Len(t, w.events(), 1)
}

func TestCheckNow_NewerBuildSupersedesParked(t *testing.T) {
	w := newLumWorld(t)

	w.source.set("v2", nil)
	_, err := w.mgr.CheckNow(context.Background())
	require.NoError(t, err)

	w.source.set("v3", nil)
	updated, err := w.mgr.CheckNow(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)

	reg, parked := w.mgr.Waiting()
	require.True(t, parked)
	assert.Equal(t, "v3", reg.Version)

	evts := w.events()
	require.Len(t, evts, 2)
	assert.Equal(t, "v2", evts[0].Version)
	assert.Equal(t, "v3", evts[1].Version)
}

func TestCheckNow_SourceFailureKeepsState(t *testing.T) {
	w := newLumWorld(t)
	w.source.set("", errors.New("connection refused"))

	updated, err := w.mgr.CheckNow(context.Background())
	require.Error(t, err)
	assert.False(t, updated)

	assert.Equal(t, "v1", w.mgr.Active().Version)
	_, parked := w.mgr.Waiting()
	assert.False(t, parked)
	assert.Empty(t, w.events())
}

func TestCheckNow_InstallFailureClearsParkedBuild(t *testing.T) {
	w := newLumWorld(t)
	w.source.set("v2", nil)
	w.inst.err = errors.New("precache failed")

	updated, err := w.mgr.CheckNow(context.Background())
	require.Error(t, err)
	assert.False(t, updated)

	_, parked := w.mgr.Waiting()
	assert.False(t, parked, "failed install leaves nothing parked")
	assert.Empty(t, w.events())

	// The next check retries the install.
	w.inst.err = nil
	updated, err = w.mgr.CheckNow(context.Background())
	require.NoError(t, err)
	assert.True(t, updated)
}

func TestSkipWaiting_PromotesCleansAndReloadsOnce(t *testing.T) {
	w := newLumWorld(t)
	ctx := context.Background()

	w.source.set("v2", nil)
	_, err := w.mgr.CheckNow(ctx)
	require.NoError(t, err)
	w.events() // consume UPDATE_AVAILABLE

	promoted, err := w.mgr.SkipWaiting(ctx)
	require.NoError(t, err)
	assert.True(t, promoted)

	assert.Equal(t, Registration{Version: "v2", State: StateActive}, w.mgr.Active())
	_, parked := w.mgr.Waiting()
	assert.False(t, parked)
	assert.False(t, w.mgr.UpdateAvailable())

	// Old version's buckets dropped, keeping only v2.
	assert.Equal(t, []string{"v2"}, w.bkts.kept)

	evts := w.events()
	require.Len(t, evts, 1)
	assert.Equal(t, bridge.EventReloadRequired, evts[0].Type)
	assert.Equal(t, "v2", evts[0].Version)

	// A second handoff is a no-op: exactly one reload per activation.
	promoted, err = w.mgr.SkipWaiting(ctx)
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Empty(t, w.events())
}

func TestSkipWaiting_NothingParkedIsNoOp(t *testing.T) {
	w := newLumWorld(t)

	promoted, err := w.mgr.SkipWaiting(context.Background())
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Empty(t, w.bkts.kept)
	assert.Empty(t, w.events())
}

func TestSkipWaiting_IgnoresBuildStillInstalling(t *testing.T) {
	w := newLumWorld(t)

	w.mgr.mu.Lock()
	w.mgr.waiting = &Registration{Version: "v2", State: StateInstalling}
	w.mgr.mu.Unlock()

	promoted, err := w.mgr.SkipWaiting(context.Background())
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Equal(t, "v1", w.mgr.Active().Version)
}

func TestSkipWaiting_CleanupFailureStillActivates(t *testing.T) {
	w := newLumWorld(t)
	ctx := context.Background()

	w.source.set("v2", nil)
	_, err := w.mgr.CheckNow(ctx)
	require.NoError(t, err)
	w.events()

	w.bkts.err = errors.New("disk error")

	promoted, err := w.mgr.SkipWaiting(ctx)
	require.NoError(t, err)
	assert.True(t, promoted)
	assert.Equal(t, "v2", w.mgr.Active().Version)

	// The reload directive still goes out.
	evts := w.events()
	require.Len(t, evts, 1)
	assert.Equal(t, bridge.EventReloadRequired, evts[0].Type)
}

func TestStartChecks_PeriodicProbeSignalsDue(t *testing.T) {
	w := newLumWorld(t)

	w.mgr.StartChecks()
	require.Equal(t, 1, w.sched.Pending())
	d, ok := w.sched.NextDelay()
	require.True(t, ok)
	assert.Equal(t, time.Hour, d)

	w.clock.Advance(time.Hour)
	w.sched.FireAll()

	select {
	case <-w.mgr.Due():
	default:
		t.Fatal("expected due signal after interval elapsed")
	}

	// Running the check arms the next interval.
	_, err := w.mgr.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, w.sched.Pending())
}

func TestClose_StopsPeriodicChecks(t *testing.T) {
	w := newLumWorld(t)

	w.mgr.StartChecks()
	require.Equal(t, 1, w.sched.Pending())

	w.mgr.Close()
	assert.Equal(t, 0, w.sched.Pending())

	// Checks after Close do not rearm.
	_, err := w.mgr.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, w.sched.Pending())
}
