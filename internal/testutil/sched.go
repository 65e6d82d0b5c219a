package testutil

import (
	"sync"
	"time"
)

// ManualScheduler records AfterFunc timers instead of arming real ones.
// Tests inspect pending delays and fire callbacks deterministically.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type ManualScheduler struct {
	mu     sync.Mutex
	nextID int
	timers map[int]*manualTimer
}

type manualTimer struct {
	delay time.Duration
	fn    func()
}

// NewManualScheduler creates an empty scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{timers: make(map[int]*manualTimer)}
}

// AfterFunc registers fn to run after d and returns a cancel function.
// Nothing runs until the test calls FireAll.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.timers[id] = &manualTimer{delay: d, fn: fn}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, id)
	}
}

// Pending returns how many timers are registered and not yet fired.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// NextDelay returns the smallest pending delay.
func (s *ManualScheduler) NextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min time.Duration
	found := false
	for _, t := range s.timers {
		if !found || t.delay < min {
			min = t.delay
			found = true
		}
	}
	return min, found
}

// FireAll runs every pending callback and clears the set. Callbacks run
// outside the lock, so they may register new timers. Returns how many
// fired.
func (s *ManualScheduler) FireAll() int {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.timers))
	for id, t := range s.timers {
		fns = append(fns, t.fn)
		delete(s.timers, id)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}
