package syncer

import (
	"math/rand/v2"
	"time"
)

// Default retry timing. Three attempts spaced by these delays cover the
// usual venue-WiFi dropout without hammering a struggling backend.
const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 5 * time.Minute
)

// Backoff computes retry delays: exponential doubling from the base delay,
// capped at the max, scaled by a jitter factor in [0.5, 1.0) so a crowd of
// devices coming back online does not retry in lockstep.
type Backoff struct {
	base time.Duration
	max  time.Duration
	rand func() float64
}

// NewBackoff builds a Backoff with the package-level rand source.
func NewBackoff(base, max time.Duration) *Backoff {
	return NewBackoffWithRand(base, max, rand.Float64)
}

// NewBackoffWithRand fixes the jitter source. Tests pass a deterministic
// function; rnd must return values in [0, 1).
func NewBackoffWithRand(base, max time.Duration, rnd func() float64) *Backoff {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, rand: rnd}
}

// Delay returns how long to wait before the given attempt. Attempts are
// 1-based: attempt n waits base*2^(n-1), capped at max, times jitter.
// Values below 1 are treated as 1.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}

	jitter := 0.5 + 0.5*b.rand()
	return time.Duration(float64(d) * jitter)
}
