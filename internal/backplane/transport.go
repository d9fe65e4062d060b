// Package backplane propagates patches between gateway instances over a
// pub/sub transport (Redis, Kafka, Postgres LISTEN/NOTIFY or in-memory).
package backplane

import (
	"context"
	"errors"
	"path"
)

var (
	// ErrAlreadySubscribed is returned when a pattern already has a handler.
	ErrAlreadySubscribed = errors.New("pattern already subscribed")

	// ErrNotSubscribed is returned by Unsubscribe for unknown patterns.
	ErrNotSubscribed = errors.New("pattern not subscribed")

	// ErrTransportClosed is returned after Close.
	ErrTransportClosed = errors.New("transport closed")

	// ErrFatal marks a consumer that stopped on a non-retriable broker error.
	ErrFatal = errors.New("fatal transport error")
)

// Message is a payload received on a transport-neutral channel.
type Message struct {
	Channel string
	Payload []byte
}

// Handler consumes messages. Returning an error asks transports with
// delivery guarantees (Kafka) to retry; others only log it.
type Handler func(ctx context.Context, msg Message) error

// Transport is the contract every broker adapter implements. Channel names
// are transport-neutral (env:{envId}); adapters map them to their own namespace.
type Transport interface {
	// Name identifies the adapter in logs and metrics.
	Name() string

	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers handler for a literal channel or a glob pattern
	// (env:*). Delivery runs on the transport's own goroutines until
	// Unsubscribe or Close.
	Subscribe(ctx context.Context, pattern string, handler Handler) error

	Unsubscribe(ctx context.Context, pattern string) error

	// Close stops every subscription. Clients passed in at construction stay open.
	Close() error
}

// Match reports whether channel matches a glob pattern.
func Match(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

// hasWildcard reports whether the pattern needs glob matching.
func hasWildcard(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?', '[':
			return true
		}
	}
	return false
}
