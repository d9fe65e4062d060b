package backplane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rafaeljc/heimdall-streaming/internal/validation"
)

const memoryQueueSize = 256

// MemoryBroker is an in-process message bus shared by MemoryTransports.
// Several transports on one broker behave like several instances on one Redis.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[*memorySubscription]struct{}
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[*memorySubscription]struct{})}
}

func (b *MemoryBroker) add(sub *memorySubscription) {
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

func (b *MemoryBroker) matching(channel string) []*memorySubscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*memorySubscription
	for sub := range b.subs {
		if Match(sub.pattern, channel) {
			out = append(out, sub)
		}
	}
	return out
}

type memorySubscription struct {
	pattern string
	queue   chan Message
	done    chan struct{}
}

// MemoryTransport implements Transport on top of a MemoryBroker.
// Messages to one subscription are delivered in publish order.
type MemoryTransport struct {
	broker *MemoryBroker
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[string]*memorySubscription
	closed bool
}

var _ Transport = (*MemoryTransport)(nil)

// NewMemoryTransport attaches a transport to broker.
func NewMemoryTransport(logger *slog.Logger, broker *MemoryBroker) *MemoryTransport {
	validation.AssertNotNil(broker, "memory broker")
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryTransport{
		broker: broker,
		logger: logger.With("transport", "memory"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*memorySubscription),
	}
}

// Name implements Transport.
func (t *MemoryTransport) Name() string { return "memory" }

// Publish enqueues payload on every matching subscription of the broker.
func (t *MemoryTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if t.isClosed() {
		recordPublish(t.Name(), ErrTransportClosed)
		return ErrTransportClosed
	}

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, sub := range t.broker.matching(channel) {
		select {
		case sub.queue <- msg:
		case <-sub.done:
		case <-ctx.Done():
			recordPublish(t.Name(), ctx.Err())
			return fmt.Errorf("memory publish to %q: %w", channel, ctx.Err())
		}
	}

	recordPublish(t.Name(), nil)
	return nil
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(_ context.Context, pattern string, handler Handler) error {
	validation.AssertPresent(handler, "handler")

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if _, exists := t.subs[pattern]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, pattern)
	}

	sub := &memorySubscription{
		pattern: pattern,
		queue:   make(chan Message, memoryQueueSize),
		done:    make(chan struct{}),
	}
	t.subs[pattern] = sub
	t.broker.add(sub)

	t.wg.Add(1)
	go t.consume(sub, handler)

	return nil
}

func (t *MemoryTransport) consume(sub *memorySubscription, handler Handler) {
	defer t.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case <-t.ctx.Done():
			return
		case msg := <-sub.queue:
			deliver(t.ctx, t.logger, t.Name(), handler, msg)
		}
	}
}

// Unsubscribe implements Transport.
func (t *MemoryTransport) Unsubscribe(_ context.Context, pattern string) error {
	t.mu.Lock()
	sub, exists := t.subs[pattern]
	delete(t.subs, pattern)
	t.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, pattern)
	}

	t.broker.remove(sub)
	close(sub.done)
	return nil
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		t.broker.remove(sub)
		close(sub.done)
	}
	t.cancel()
	t.wg.Wait()
	return nil
}

// Check reports an error once the transport is closed.
func (t *MemoryTransport) Check(context.Context) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	return nil
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
