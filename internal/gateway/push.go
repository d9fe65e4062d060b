package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/rafaeljc/heimdall-streaming/internal/backplane"
	"github.com/rafaeljc/heimdall-streaming/internal/connection"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
	"github.com/rafaeljc/heimdall-streaming/internal/protocol"
)

// onEnvelope handles envelopes received on env:*. It resolves the local
// connections of the environment and hands one delivery per connection to
// the fan-out pool.
func (g *Gateway) onEnvelope(ctx context.Context, env backplane.Envelope) error {
	if env.Type != backplane.EnvelopePush {
		return nil
	}

	envID := env.ChannelID
	if envID == "" {
		var ok bool
		if envID, ok = backplane.EnvIDFromChannel(env.ChannelName); !ok {
			observability.BackplaneDropped.WithLabelValues("malformed").Inc()
			return nil
		}
	}

	log := g.logger.With(
		slog.String("env_id", envID),
		slog.String("correlation_id", env.CorrelationID),
		slog.String("sender_id", env.SenderID),
	)

	conns := g.registry.GetEnvConnections(envID)
	if len(conns) == 0 {
		return nil
	}

	var patch protocol.ChangePatch
	if err := json.Unmarshal(env.Message.Data, &patch); err != nil {
		observability.BackplaneDropped.WithLabelValues("malformed").Inc()
		log.Warn("dropping push with undecodable patch", slog.String("error", err.Error()))
		return nil
	}

	withClients := false
	for _, c := range conns {
		if c.Type() == connection.TypeClient {
			withClients = true
			break
		}
	}

	// Runs on the subscriber goroutine so an environment's pushes reach the
	// pool in publish order; the timeout caps how long a slow store stalls it.
	prepCtx := ctx
	if d := g.cfg.PushPrepareTimeout; d > 0 {
		var cancel context.CancelFunc
		prepCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	push, err := g.sync.PreparePush(prepCtx, envID, patch, withClients)
	if err != nil {
		return fmt.Errorf("failed to prepare push for %s: %w", envID, err)
	}

	for _, c := range conns {
		if err := g.pool.Enqueue(ctx, delivery{conn: c, push: push}); err != nil {
			log.Warn("push delivery aborted",
				slog.Int("connections", len(conns)),
				slog.String("error", err.Error()),
			)
			return nil
		}
	}

	log.Debug("push handed to fan-out", slog.Int("connections", len(conns)))
	return nil
}
