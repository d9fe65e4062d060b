package backplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rafaeljc/heimdall-streaming/internal/observability"
	"github.com/rafaeljc/heimdall-streaming/internal/protocol"
	"github.com/rafaeljc/heimdall-streaming/internal/validation"
)

// EnvelopeHandler consumes decoded envelopes.
type EnvelopeHandler func(ctx context.Context, env Envelope) error

// healthChecker is implemented by transports that can report connectivity.
type healthChecker interface {
	Check(ctx context.Context) error
}

// Bridge speaks envelopes on top of a raw Transport. It stamps outgoing
// envelopes with the process identity and drops self-authored pings.
type Bridge struct {
	transport Transport
	identity  Identity
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	peers   map[string]time.Time
	peerTTL time.Duration
}

// NewBridge creates a Bridge. It panics if transport is nil.
func NewBridge(logger *slog.Logger, transport Transport, identity Identity) *Bridge {
	validation.AssertPresent(transport, "backplane transport")
	if identity.SenderID == "" {
		panic("critical error: backplane identity cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		transport: transport,
		identity:  identity,
		logger:    logger.With("component", "backplane", "transport", transport.Name()),
		now:       time.Now,
		peers:     make(map[string]time.Time),
	}
}

// Identity returns the identity stamped on outgoing envelopes.
func (b *Bridge) Identity() Identity {
	return b.identity
}

// Transport returns the underlying transport.
func (b *Bridge) Transport() Transport {
	return b.transport
}

// Publish stamps env with this process identity and publishes it on env.ChannelName.
// An empty CorrelationID is replaced by a new one; a set one is kept.
func (b *Bridge) Publish(ctx context.Context, env Envelope) error {
	if env.ChannelName == "" {
		return errors.New("envelope channel name cannot be empty")
	}
	if env.CorrelationID == "" {
		env.CorrelationID = NewCorrelationID()
	}
	env.SenderID = b.identity.SenderID
	if env.ServiceType == "" {
		env.ServiceType = b.identity.ServiceType
	}
	env.SentAt = b.now().UnixMilli()

	payload, err := EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	if err := b.transport.Publish(ctx, env.ChannelName, payload); err != nil {
		return fmt.Errorf("failed to publish on %q: %w", env.ChannelName, err)
	}
	return nil
}

// PublishPush publishes msg to the channel owned by envID.
func (b *Bridge) PublishPush(ctx context.Context, envID, correlationID string, msg protocol.Message) error {
	return b.Publish(ctx, Envelope{
		Type:          EnvelopePush,
		ChannelID:     envID,
		ChannelName:   ChannelForEnv(envID),
		Message:       msg,
		CorrelationID: correlationID,
	})
}

// Subscribe decodes every message received for pattern and passes it to handler.
// Malformed payloads and pings authored by this process never reach the handler.
func (b *Bridge) Subscribe(ctx context.Context, pattern string, handler EnvelopeHandler) error {
	validation.AssertPresent(handler, "envelope handler")

	return b.transport.Subscribe(ctx, pattern, func(ctx context.Context, msg Message) error {
		env, err := DecodeEnvelope(msg.Payload)
		if err != nil {
			observability.BackplaneDropped.WithLabelValues("malformed").Inc()
			b.logger.Warn("dropping malformed envelope",
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()),
			)
			return nil
		}

		if env.Type == EnvelopePing && env.SenderID == b.identity.SenderID {
			observability.BackplaneDropped.WithLabelValues("self").Inc()
			return nil
		}

		return handler(ctx, env)
	})
}

// Unsubscribe removes the subscription for pattern.
func (b *Bridge) Unsubscribe(ctx context.Context, pattern string) error {
	return b.transport.Unsubscribe(ctx, pattern)
}

// RunHeartbeat pings the heartbeat channel every interval and tracks peers.
// It blocks until ctx is cancelled.
func (b *Bridge) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}

	b.mu.Lock()
	b.peerTTL = 3 * interval
	b.mu.Unlock()

	if err := b.Subscribe(ctx, HeartbeatChannel, b.onHeartbeat); err != nil {
		return fmt.Errorf("failed to subscribe to heartbeat: %w", err)
	}
	defer func() {
		// The transport may already be closed during shutdown.
		_ = b.transport.Unsubscribe(context.Background(), HeartbeatChannel)
	}()

	b.logger.Info("starting backplane heartbeat",
		slog.Duration("interval", interval),
		slog.String("sender_id", b.identity.SenderID),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.ping(ctx)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("backplane heartbeat stopping...")
			return nil
		case <-ticker.C:
			b.ping(ctx)
			b.expirePeers()
		}
	}
}

func (b *Bridge) ping(ctx context.Context) {
	err := b.Publish(ctx, Envelope{
		Type:        EnvelopePing,
		ChannelID:   HeartbeatChannel,
		ChannelName: HeartbeatChannel,
		Message:     protocol.Message{MessageType: protocol.MessageTypePing},
	})
	if err != nil && ctx.Err() == nil {
		b.logger.Warn("backplane heartbeat failed", slog.String("error", err.Error()))
	}
}

func (b *Bridge) onHeartbeat(_ context.Context, env Envelope) error {
	if env.Type != EnvelopePing {
		return nil
	}
	observability.BackplanePeerHeartbeats.Inc()

	b.mu.Lock()
	_, known := b.peers[env.SenderID]
	b.peers[env.SenderID] = b.now()
	count := len(b.peers)
	b.mu.Unlock()

	observability.BackplanePeers.Set(float64(count))
	if !known {
		b.logger.Info("backplane peer joined",
			slog.String("peer_id", env.SenderID),
			slog.String("service_type", string(env.ServiceType)),
		)
	}
	return nil
}

func (b *Bridge) expirePeers() {
	b.mu.Lock()
	cutoff := b.now().Add(-b.peerTTL)
	for id, seen := range b.peers {
		if seen.Before(cutoff) {
			delete(b.peers, id)
			b.logger.Info("backplane peer expired", slog.String("peer_id", id))
		}
	}
	count := len(b.peers)
	b.mu.Unlock()

	observability.BackplanePeers.Set(float64(count))
}

// Peers returns the number of other instances seen recently.
func (b *Bridge) Peers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Name implements observability.Checker.
func (b *Bridge) Name() string {
	return "backplane"
}

// Check implements observability.Checker by delegating to the transport.
func (b *Bridge) Check(ctx context.Context) error {
	if hc, ok := b.transport.(healthChecker); ok {
		return hc.Check(ctx)
	}
	return nil
}
