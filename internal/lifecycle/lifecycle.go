// Package lifecycle manages build registrations: detecting a newer build,
// installing it, parking it at waiting, and promoting it to active on an
// explicit handoff.
//
// A registration moves installing -> waiting -> active. Promotion happens
// only on SkipWaiting, never automatically, and activation emits exactly
// one reload directive so the app never mixes assets across builds.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hallway/satchel/internal/bridge"
)

// DefaultCheckEvery is how often the remote build version is re-probed.
const DefaultCheckEvery = time.Hour

// State is a registration's position in the install pipeline.
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
)

// Registration is one build version moving through the pipeline.
type Registration struct {
	Version string
	State   State
}

// VersionSource probes which build the remote is currently serving.
type VersionSource func(ctx context.Context) (string, error)

// Installer prepares a newly detected build before it parks at waiting,
// typically by precaching its asset buckets.
type Installer interface {
	Install(ctx context.Context, version string) error
}

// InstallerFunc adapts a function to Installer.
type InstallerFunc func(ctx context.Context, version string) error

// Install calls f.
func (f InstallerFunc) Install(ctx context.Context, version string) error {
	return f(ctx, version)
}

// Buckets is the cleanup surface the manager needs on activation.
// *cache.Buckets satisfies it.
type Buckets interface {
	DropVersionsExcept(ctx context.Context, version string) ([]string, error)
}

// Clock supplies wall time.
type Clock interface {
	Now() time.Time
}

// Scheduler arms one-shot timers for the periodic re-check.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Config configures a Manager. Version and Source are required.
type Config struct {
	// Version is the build currently active in this process.
	Version string

	Source    VersionSource
	Installer Installer // nil skips the install step
	Buckets   Buckets   // nil skips bucket cleanup on activation
	Events    *bridge.Bridge
	Logger    *slog.Logger

	Clock     Clock
	Scheduler Scheduler

	// CheckEvery is the re-probe interval. Defaults to DefaultCheckEvery.
	CheckEvery time.Duration
}

// Manager tracks the active registration and at most one parked newer
// build.
type Manager struct {
	source    VersionSource
	installer Installer
	buckets   Buckets
	events    *bridge.Bridge
	logger    *slog.Logger
	clock     Clock
	sched     Scheduler
	every     time.Duration

	mu        sync.Mutex
	active    Registration
	waiting   *Registration
	lastCheck time.Time

	// due signals that a scheduled check should run (buffered, size 1).
	due chan struct{}

	timerMu     sync.Mutex
	checking    bool
	cancelTimer func()
}

// New builds a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if cfg.Version == "" {
		return nil, fmt.Errorf("lifecycle: version is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("lifecycle: version source is required")
	}

	m := &Manager{
		source:    cfg.Source,
		installer: cfg.Installer,
		buckets:   cfg.Buckets,
		events:    cfg.Events,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		sched:     cfg.Scheduler,
		every:     cfg.CheckEvery,
		active:    Registration{Version: cfg.Version, State: StateActive},
		due:       make(chan struct{}, 1),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.clock == nil {
		m.clock = systemClock{}
	}
	if m.sched == nil {
		m.sched = systemScheduler{}
	}
	if m.every <= 0 {
		m.every = DefaultCheckEvery
	}
	return m, nil
}

// Active returns the currently active registration.
func (m *Manager) Active() Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Waiting returns the parked registration, if any. During an install it
// is reported in the installing state.
func (m *Manager) Waiting() (Registration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting == nil {
		return Registration{}, false
	}
	return *m.waiting, true
}

// UpdateAvailable reports whether a newer build is parked and ready for
// handoff.
func (m *Manager) UpdateAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting != nil && m.waiting.State == StateWaiting
}

// LastChecked returns when the remote version was last probed. Zero when
// no check has run yet.
func (m *Manager) LastChecked() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheck
}

// CheckNow probes the remote version once. A newly detected build is
// installed and parked at waiting, superseding any previously parked
// build, and UPDATE_AVAILABLE is emitted. Returns whether a new build
// was parked.
//
// Failures are returned for the caller to log and never change state;
// the next scheduled check retries.
func (m *Manager) CheckNow(ctx context.Context) (bool, error) {
	defer m.armNext()

	m.mu.Lock()
	m.lastCheck = m.clock.Now()
	m.mu.Unlock()

	version, err := m.source(ctx)
	if err != nil {
		m.logger.Warn("update check failed", "error", err)
		return false, fmt.Errorf("update check: %w", err)
	}

	m.mu.Lock()
	current := m.active.Version
	parked := m.waiting
	m.mu.Unlock()

	if version == current {
		return false, nil
	}
	if parked != nil && parked.Version == version {
		// Already installed and announced.
		return false, nil
	}

	m.logger.Info("new build detected",
		"current", current,
		"next", version)

	m.mu.Lock()
	m.waiting = &Registration{Version: version, State: StateInstalling}
	m.mu.Unlock()

	if m.installer != nil {
		if err := m.installer.Install(ctx, version); err != nil {
			m.logger.Warn("install failed, will retry next check",
				"version", version,
				"error", err)
			m.mu.Lock()
			if m.waiting != nil && m.waiting.Version == version {
				m.waiting = nil
			}
			m.mu.Unlock()
			return false, fmt.Errorf("install %s: %w", version, err)
		}
	}

	m.mu.Lock()
	if m.waiting == nil || m.waiting.Version != version {
		// Superseded while installing.
		m.mu.Unlock()
		return false, nil
	}
	m.waiting.State = StateWaiting
	m.mu.Unlock()

	m.logger.Info("build installed and waiting", "version", version)
	m.publish(bridge.UpdateAvailable(version))
	return true, nil
}

// SkipWaiting promotes the parked build to active, drops the old
// version's buckets, and emits one reload directive. Without a parked
// build it is a no-op.
func (m *Manager) SkipWaiting(ctx context.Context) (bool, error) {
	m.mu.Lock()
	w := m.waiting
	if w == nil || w.State != StateWaiting {
		m.mu.Unlock()
		m.logger.Debug("skip waiting with no parked build")
		return false, nil
	}
	previous := m.active
	m.waiting = nil
	m.active = Registration{Version: w.Version, State: StateActive}
	m.mu.Unlock()

	if m.buckets != nil {
		dropped, err := m.buckets.DropVersionsExcept(ctx, w.Version)
		if err != nil {
			// Stale buckets linger until the next activation; activation
			// itself already happened.
			m.logger.Error("bucket cleanup failed after activation",
				"version", w.Version,
				"error", err)
		} else if len(dropped) > 0 {
			m.logger.Info("dropped stale buckets",
				"count", len(dropped),
				"buckets", dropped)
		}
	}

	m.logger.Info("build activated",
		"previous", previous.Version,
		"version", w.Version)
	m.publish(bridge.ReloadRequired(w.Version))
	return true, nil
}

// StartChecks arms the periodic re-probe. Each elapsed interval signals
// Due; the owner runs CheckNow, which arms the next interval.
func (m *Manager) StartChecks() {
	m.timerMu.Lock()
	m.checking = true
	m.timerMu.Unlock()
	m.armNext()
}

// Due returns a channel that signals when a scheduled check should run.
// Use with select alongside ctx.Done().
func (m *Manager) Due() <-chan struct{} {
	return m.due
}

// Close stops the periodic re-probe.
func (m *Manager) Close() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	m.checking = false
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
}

func (m *Manager) armNext() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if !m.checking {
		return
	}
	if m.cancelTimer != nil {
		m.cancelTimer()
	}
	m.cancelTimer = m.sched.AfterFunc(m.every, func() {
		select {
		case m.due <- struct{}{}:
		default:
		}
	})
}

func (m *Manager) publish(e bridge.Event) {
	if m.events == nil {
		return
	}
	m.events.Publish(e)
}
