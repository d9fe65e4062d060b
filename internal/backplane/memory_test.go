package backplane_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/heimdall-streaming/internal/backplane"
	"github.com/rafaeljc/heimdall-streaming/internal/logger"
	"github.com/rafaeljc/heimdall-streaming/internal/testsupport"
)

// collector records messages delivered to a handler.
type collector struct {
	mu   sync.Mutex
	msgs []backplane.Message
}

func (c *collector) handle(_ context.Context, msg backplane.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Channel)
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func newMemoryPair(t *testing.T) (*backplane.MemoryTransport, *backplane.MemoryTransport) {
	t.Helper()

	broker := backplane.NewMemoryBroker()
	a := backplane.NewMemoryTransport(logger.Discard(), broker)
	b := backplane.NewMemoryTransport(logger.Discard(), broker)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestMemoryTransport_PatternDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	publisher, subscriber := newMemoryPair(t)

	var envs, heartbeats collector
	require.NoError(t, subscriber.Subscribe(ctx, backplane.EnvPattern, envs.handle))
	require.NoError(t, subscriber.Subscribe(ctx, backplane.HeartbeatChannel, heartbeats.handle))

	require.NoError(t, publisher.Publish(ctx, backplane.ChannelForEnv("a"), []byte("1")))
	require.NoError(t, publisher.Publish(ctx, backplane.ChannelForEnv("b"), []byte("2")))
	require.NoError(t, publisher.Publish(ctx, backplane.HeartbeatChannel, []byte("3")))
	require.NoError(t, publisher.Publish(ctx, "unrelated", []byte("4")))

	require.Eventually(t, func() bool {
		return envs.len() == 2 && heartbeats.len() == 1
	}, time.Second, 10*time.Millisecond)

	// Delivery order per subscription follows publish order.
	assert.Equal(t, []string{"env:a", "env:b"}, envs.channels())
}

func TestMemoryTransport_SubscriptionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	publisher, subscriber := newMemoryPair(t)

	var got collector
	require.NoError(t, subscriber.Subscribe(ctx, "env:a", got.handle))

	err := subscriber.Subscribe(ctx, "env:a", got.handle)
	assert.ErrorIs(t, err, backplane.ErrAlreadySubscribed)

	require.NoError(t, subscriber.Unsubscribe(ctx, "env:a"))
	assert.ErrorIs(t, subscriber.Unsubscribe(ctx, "env:a"), backplane.ErrNotSubscribed)

	require.NoError(t, publisher.Publish(ctx, "env:a", []byte("lost")))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, got.len(), "unsubscribed handler must not receive messages")

	require.NoError(t, subscriber.Close())
	assert.ErrorIs(t, subscriber.Subscribe(ctx, "env:b", got.handle), backplane.ErrTransportClosed)
	assert.ErrorIs(t, subscriber.Check(ctx), backplane.ErrTransportClosed)
}

func TestMemoryTransport_HandlerErrorsAreDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	publisher, subscriber := newMemoryPair(t)

	var after collector
	failing := func(ctx context.Context, msg backplane.Message) error {
		if string(msg.Payload) == "bad" {
			return errors.New("boom")
		}
		return after.handle(ctx, msg)
	}
	require.NoError(t, subscriber.Subscribe(ctx, backplane.EnvPattern, failing))

	testsupport.AssertMetricDeltaAsync(t, "heimdall_backplane_dropped_total", map[string]string{"reason": "handler_failed"}, 1, func() {
		require.NoError(t, publisher.Publish(ctx, "env:a", []byte("bad")))
	})

	require.NoError(t, publisher.Publish(ctx, "env:a", []byte("good")))
	require.Eventually(t, func() bool { return after.len() == 1 }, time.Second, 10*time.Millisecond,
		"a failing message must not stop the subscription")
}
