// Package push turns inbound push payloads into app notifications.
//
// The Consumer reads raw payloads from an injected Source, decodes them
// loosely (the server owns the payload shape), and hands Notifications to
// an injected Sink. Malformed payloads are logged and dropped; the
// consumer never stops over a bad payload.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Source supplies raw push payloads. The channel closing ends the
// consumer cleanly.
type Source interface {
	Payloads() <-chan []byte
}

// Sink receives decoded notifications.
type Sink interface {
	Notify(n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(n Notification) error

// Notify calls f.
func (f SinkFunc) Notify(n Notification) error { return f(n) }

// ChanSource is a Source backed by a buffered channel, for wiring the
// consumer to whatever transport delivers pushes.
type ChanSource struct {
	ch   chan []byte
	once sync.Once
}

// NewChanSource creates a ChanSource with the given buffer.
func NewChanSource(buffer int) *ChanSource {
	if buffer < 1 {
		buffer = 1
	}
	return &ChanSource{ch: make(chan []byte, buffer)}
}

// Payloads returns the payload channel.
func (s *ChanSource) Payloads() <-chan []byte {
	return s.ch
}

// Push offers a payload without blocking. Returns false when the buffer
// is full or the source is closed; the payload is dropped either way.
func (s *ChanSource) Push(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}

// Close ends the source. Safe to call more than once.
func (s *ChanSource) Close() {
	s.once.Do(func() { close(s.ch) })
}

// Config configures a Consumer. Source and Sink are required.
type Config struct {
	Source Source
	Sink   Sink
	Logger *slog.Logger
}

// Consumer runs the payload loop.
type Consumer struct {
	source Source
	sink   Sink
	logger *slog.Logger
}

// NewConsumer builds a Consumer from cfg.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("push: source is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("push: sink is required")
	}
	c := &Consumer{
		source: cfg.Source,
		sink:   cfg.Sink,
		logger: cfg.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Run consumes payloads until ctx is canceled or the source closes.
// Returns nil on a closed source, ctx.Err() on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-c.source.Payloads():
			if !ok {
				c.logger.Debug("push source closed")
				return nil
			}
			c.handle(payload)
		}
	}
}

func (c *Consumer) handle(payload []byte) {
	n, err := Decode(payload)
	if err != nil {
		c.logger.Warn("dropping malformed push payload",
			"size", len(payload),
			"error", err)
		return
	}
	if err := c.sink.Notify(n); err != nil {
		c.logger.Warn("notification sink failed",
			"title", n.Title,
			"tag", n.Tag,
			"error", err)
		return
	}
	c.logger.Debug("notification delivered",
		"title", n.Title,
		"tag", n.Tag)
}
