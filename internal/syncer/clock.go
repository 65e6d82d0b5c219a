package syncer

import "time"

// Clock supplies wall time. Production uses SystemClock; tests substitute
// a manual clock to step through retry schedules without sleeping.
type Clock interface {
	Now() time.Time
}

// Scheduler arms one-shot timers for retry wakeups and periodic checks.
// Production uses SystemScheduler; tests fire timers explicitly.
type Scheduler interface {
	// AfterFunc runs fn once after d, on an unspecified goroutine, and
	// returns a cancel function. Canceling after the timer fired is a
	// no-op.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// SystemScheduler arms real timers via time.AfterFunc.
type SystemScheduler struct{}

// AfterFunc delegates to time.AfterFunc.
func (SystemScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
