package syncer

import (
	"sync"

	"github.com/google/uuid"
)

// KeyGenerator produces idempotency keys for submitted mutations.
type KeyGenerator interface {
	NewKey() string
}

// UUIDv7Keys generates time-sortable UUIDv7 idempotency keys.
//
// UUIDv7 embeds a timestamp in the most significant bits, so keys sort by
// submission time. That makes server-side dedupe logs readable and keeps
// keys unique across devices without coordination.
//
// Thread-safety: UUIDv7Keys is stateless and safe for concurrent use.
type UUIDv7Keys struct{}

// NewKey creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Keys) NewKey() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedKeys returns predetermined keys for testing.
//
// This enables deterministic queue state and golden trace comparison:
// tests provide a known sequence of keys and verify exact output.
//
// Thread-safety: FixedKeys is safe for concurrent use via internal mutex.
type FixedKeys struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

// NewFixedKeys creates a generator that returns keys in order.
//
// Example:
//
//	keys := NewFixedKeys("key-1", "key-2")
//	keys.NewKey() // "key-1"
//	keys.NewKey() // "key-2"
//	keys.NewKey() // panic: all keys exhausted
func NewFixedKeys(keys ...string) *FixedKeys {
	return &FixedKeys{keys: keys}
}

// NewKey returns the next predetermined key.
//
// Panics when all keys have been consumed. This is a fail-fast approach to
// catch test misconfiguration (test submitted more mutations than expected).
func (g *FixedKeys) NewKey() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.keys) {
		panic("FixedKeys: all keys exhausted")
	}
	k := g.keys[g.idx]
	g.idx++
	return k
}
