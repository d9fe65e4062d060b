package backplane

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/heimdall-streaming/internal/config"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
	"github.com/rafaeljc/heimdall-streaming/internal/validation"
)

// RedisTransport implements Transport over Redis pub/sub.
// Delivery is at-most-once: messages published while a subscription is
// reconnecting are lost.
type RedisTransport struct {
	client    *redis.Client
	namespace string
	cfg       *config.BackplaneConfig
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[string]context.CancelFunc
	closed bool
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport creates a transport over an existing client.
// The client is owned by the caller and is not closed by Close.
func NewRedisTransport(logger *slog.Logger, client *redis.Client, cfg *config.BackplaneConfig) *RedisTransport {
	validation.AssertNotNil(client, "redis client")
	validation.AssertNotNil(cfg, "backplane config")
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisTransport{
		client:    client,
		namespace: cfg.Namespace,
		cfg:       cfg,
		logger:    logger.With("transport", "redis"),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]context.CancelFunc),
	}
}

// Name implements Transport.
func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) key(channel string) string {
	if t.namespace == "" {
		return channel
	}
	return t.namespace + ":" + channel
}

func (t *RedisTransport) unkey(key string) string {
	if t.namespace == "" {
		return key
	}
	return strings.TrimPrefix(key, t.namespace+":")
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	err := t.client.Publish(ctx, t.key(channel), payload).Err()
	recordPublish(t.Name(), err)
	if err != nil {
		return fmt.Errorf("redis publish to %q: %w", channel, err)
	}
	return nil
}

// Subscribe implements Transport. It returns once Redis confirmed the first
// subscription; later connection losses are retried in the background.
func (t *RedisTransport) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	validation.AssertPresent(handler, "handler")

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if _, exists := t.subs[pattern]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, pattern)
	}
	subCtx, cancel := context.WithCancel(t.ctx)
	t.subs[pattern] = cancel
	t.mu.Unlock()

	ps, err := t.subscribe(ctx, pattern)
	if err != nil {
		cancel()
		t.mu.Lock()
		delete(t.subs, pattern)
		t.mu.Unlock()
		return err
	}

	t.wg.Add(1)
	go t.consume(subCtx, pattern, ps, handler)

	return nil
}

// subscribe opens a pub/sub connection and waits for the confirmation.
func (t *RedisTransport) subscribe(ctx context.Context, pattern string) (*redis.PubSub, error) {
	var ps *redis.PubSub
	if hasWildcard(pattern) {
		ps = t.client.PSubscribe(ctx, t.key(pattern))
	} else {
		ps = t.client.Subscribe(ctx, t.key(pattern))
	}

	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe to %q: %w", pattern, err)
	}
	return ps, nil
}

// consume reads from ps until ctx ends, resubscribing with backoff when the
// connection breaks.
func (t *RedisTransport) consume(ctx context.Context, pattern string, ps *redis.PubSub, handler Handler) {
	defer t.wg.Done()

	log := t.logger.With("pattern", pattern)
	backoff := NewBackoff(t.cfg.ReconnectMinBackoff, t.cfg.ReconnectMaxBackoff)

	for {
		// ReceiveMessage only honours deadlines, so cancellation closes the connection.
		stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
		err := t.receive(ctx, ps, handler, log)
		stop()
		_ = ps.Close()
		if ctx.Err() != nil {
			return
		}

		log.Warn("redis subscription lost, reconnecting", slog.String("error", err.Error()))

		for {
			observability.BackplaneReconnects.WithLabelValues(t.Name()).Inc()
			if !backoff.Wait(ctx) {
				return
			}

			ps, err = t.subscribe(ctx, pattern)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn("redis resubscribe failed", slog.String("error", err.Error()))
		}

		backoff.Reset()
		log.Info("redis subscription restored")
	}
}

func (t *RedisTransport) receive(ctx context.Context, ps *redis.PubSub, handler Handler, log *slog.Logger) error {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}

		deliver(ctx, log, t.Name(), handler, Message{
			Channel: t.unkey(msg.Channel),
			Payload: []byte(msg.Payload),
		})
	}
}

// Unsubscribe implements Transport.
func (t *RedisTransport) Unsubscribe(_ context.Context, pattern string) error {
	t.mu.Lock()
	cancel, exists := t.subs[pattern]
	delete(t.subs, pattern)
	t.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, pattern)
	}
	cancel()
	return nil
}

// Close stops every subscription and waits for the consumers to exit.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.subs = nil
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return nil
}

// Check pings Redis.
func (t *RedisTransport) Check(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}
