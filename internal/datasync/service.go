// Package datasync composes the data-sync payloads served to SDKs, both as
// replies to data-sync requests and as renderings of backplane patches.
package datasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/heimdall-streaming/internal/connection"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
	"github.com/rafaeljc/heimdall-streaming/internal/protocol"
	"github.com/rafaeljc/heimdall-streaming/internal/ruleengine"
	"github.com/rafaeljc/heimdall-streaming/internal/store"
	"github.com/rafaeljc/heimdall-streaming/internal/validation"
)

// ErrUserRequired is returned when a client connection syncs before attaching a user.
var ErrUserRequired = errors.New("client connection requires a user")

// relayProxyFetchLimit bounds concurrent store reads for one relay-proxy sync.
const relayProxyFetchLimit = 4

// Service builds data-sync frames.
type Service struct {
	store     store.Store
	evaluator *ruleengine.Evaluator
	logger    *slog.Logger
}

// NewService creates a Service. It panics if a dependency is missing.
func NewService(logger *slog.Logger, st store.Store, evaluator *ruleengine.Evaluator) *Service {
	validation.AssertPresent(st, "store")
	validation.AssertNotNil(evaluator, "evaluator")
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:     st,
		evaluator: evaluator,
		logger:    logger.With("component", "datasync"),
	}
}

// Sync builds the reply to a data-sync request. Timestamp 0 asks for a full
// snapshot; any other value returns what the store reports as changed since then.
func (s *Service) Sync(ctx context.Context, c *connection.Context, timestamp int64) ([]byte, error) {
	eventType := protocol.EventTypeFor(timestamp)

	var payload any
	switch c.Type() {
	case connection.TypeClient:
		conn := c.Connection()
		user := conn.User()
		if user == nil {
			return nil, ErrUserRequired
		}

		docs, err := s.store.GetFlags(ctx, conn.EnvID(), timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
		payload = protocol.ClientPayload{
			EventType:    eventType,
			UserKeyID:    user.KeyID,
			FeatureFlags: s.evaluateAll(s.decodeFlags(docs), user),
		}

	case connection.TypeServer:
		flags, segments, err := s.environment(ctx, c.Connection().EnvID(), timestamp)
		if err != nil {
			return nil, err
		}
		payload = protocol.ServerPayload{
			EventType:    eventType,
			FeatureFlags: flags,
			Segments:     segments,
		}

	case connection.TypeRelayProxy:
		envs, err := s.relayProxyEnvironments(ctx, c.MappedRpConnections(), timestamp)
		if err != nil {
			return nil, err
		}
		payload = protocol.RelayProxyPayload{EventType: eventType, Payloads: envs}

	default:
		return nil, fmt.Errorf("unsupported connection type %q", c.Type())
	}

	return protocol.Encode(protocol.MessageTypeDataSync, payload)
}

// environment loads flags and segments of one environment.
func (s *Service) environment(ctx context.Context, envID string, since int64) ([]json.RawMessage, []json.RawMessage, error) {
	flags, err := s.store.GetFlags(ctx, envID, since)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load flags of %s: %w", envID, err)
	}
	segments, err := s.store.GetSegments(ctx, envID, since)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load segments of %s: %w", envID, err)
	}
	return flags, segments, nil
}

// relayProxyEnvironments loads every mapped environment concurrently; the
// result keeps the mapping order.
func (s *Service) relayProxyEnvironments(ctx context.Context, conns []*connection.Connection, since int64) ([]protocol.EnvironmentData, error) {
	out := make([]protocol.EnvironmentData, len(conns))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(relayProxyFetchLimit)

	for i, conn := range conns {
		g.Go(func() error {
			flags, segments, err := s.environment(gctx, conn.EnvID(), since)
			if err != nil {
				return err
			}
			out[i] = protocol.EnvironmentData{EnvID: conn.EnvID(), Flags: flags, Segments: segments}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeFlags parses flag documents, skipping the ones that cannot be evaluated.
func (s *Service) decodeFlags(docs []json.RawMessage) []*ruleengine.Flag {
	flags := make([]*ruleengine.Flag, 0, len(docs))
	for _, doc := range docs {
		var f ruleengine.Flag
		if err := json.Unmarshal(doc, &f); err != nil {
			s.logger.Warn("skipping undecodable flag", slog.String("error", err.Error()))
			continue
		}
		flags = append(flags, &f)
	}
	return flags
}

// evaluateAll evaluates flags for user. Flags whose evaluation fails are
// logged and left out of the payload.
func (s *Service) evaluateAll(flags []*ruleengine.Flag, user *ruleengine.EndUser) []protocol.ClientFlag {
	out := make([]protocol.ClientFlag, 0, len(flags))

	for _, f := range flags {
		start := time.Now()
		result := s.evaluator.Evaluate(f, user)
		observability.EvaluationDuration.Observe(time.Since(start).Seconds())

		if result.Failed() {
			observability.EvaluationErrors.WithLabelValues(string(result.ErrorCode)).Inc()
			s.logger.Warn("flag evaluation failed",
				slog.String("flag_key", f.Key),
				slog.String("error_code", string(result.ErrorCode)),
				slog.String("error", result.ErrorMessage),
			)
			continue
		}

		options := make([]protocol.VariationOption, 0, len(f.Variations))
		for _, v := range f.Variations {
			options = append(options, protocol.VariationOption{ID: v.ID, Value: v.Value})
		}

		out = append(out, protocol.ClientFlag{
			ID:               f.Key,
			Variation:        result.Value,
			VariationID:      result.VariationID,
			MatchReason:      string(result.Reason),
			VariationOptions: options,
			Timestamp:        f.UpdatedAt,
		})
	}
	return out
}

// Push is a backplane patch prepared for per-connection rendering.
// Frames that do not depend on the connection are encoded once.
type Push struct {
	EnvID string
	Patch protocol.ChangePatch

	// flags are the decoded flags client connections re-evaluate.
	flags []*ruleengine.Flag

	serverOnce  sync.Once
	serverFrame []byte
	serverErr   error

	relayOnce  sync.Once
	relayFrame []byte
	relayErr   error
}

// PreparePush decodes a patch. With withClients set, the flags client
// connections need are resolved once: the patch flags for flag changes,
// the affected flags loaded from the store for segment changes.
func (s *Service) PreparePush(ctx context.Context, envID string, patch protocol.ChangePatch, withClients bool) (*Push, error) {
	push := &Push{EnvID: envID, Patch: patch}
	if !withClients {
		return push, nil
	}

	docs := patch.Flags
	if len(patch.AffectedFlagIDs) > 0 {
		affected, err := s.store.GetFlagsByIDs(ctx, patch.AffectedFlagIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load affected flags: %w", err)
		}
		docs = append(append([]json.RawMessage{}, docs...), affected...)
	}
	push.flags = s.decodeFlags(docs)

	return push, nil
}

// RenderPush returns the frame for conn. ok is false when conn has nothing to
// receive (a client without a user, or no evaluable flag).
func (s *Service) RenderPush(conn *connection.Connection, push *Push) (frame []byte, ok bool, err error) {
	switch conn.Type() {
	case connection.TypeServer:
		push.serverOnce.Do(func() {
			push.serverFrame, push.serverErr = protocol.Encode(protocol.MessageTypeDataSync, protocol.ServerPayload{
				EventType:    protocol.EventPatch,
				FeatureFlags: nonNil(push.Patch.Flags),
				Segments:     nonNil(push.Patch.Segments),
			})
		})
		return push.serverFrame, push.serverErr == nil, push.serverErr

	case connection.TypeRelayProxy:
		push.relayOnce.Do(func() {
			push.relayFrame, push.relayErr = protocol.Encode(protocol.MessageTypeDataSync, protocol.RelayProxyPayload{
				EventType: protocol.EventPatch,
				Payloads: []protocol.EnvironmentData{{
					EnvID:    push.EnvID,
					Flags:    nonNil(push.Patch.Flags),
					Segments: nonNil(push.Patch.Segments),
				}},
			})
		})
		return push.relayFrame, push.relayErr == nil, push.relayErr

	case connection.TypeClient:
		user := conn.User()
		if user == nil {
			return nil, false, nil
		}
		flags := s.evaluateAll(push.flags, user)
		if len(flags) == 0 {
			return nil, false, nil
		}
		frame, err := protocol.Encode(protocol.MessageTypeDataSync, protocol.ClientPayload{
			EventType:    protocol.EventPatch,
			UserKeyID:    user.KeyID,
			FeatureFlags: flags,
		})
		return frame, err == nil, err

	default:
		return nil, false, fmt.Errorf("unsupported connection type %q", conn.Type())
	}
}

func nonNil(docs []json.RawMessage) []json.RawMessage {
	if docs == nil {
		return []json.RawMessage{}
	}
	return docs
}
