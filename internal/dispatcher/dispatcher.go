// Package dispatcher turns domain change messages produced by the authoring
// side into patches published on the backplane channel of each environment.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/rafaeljc/heimdall-streaming/internal/backplane"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
	"github.com/rafaeljc/heimdall-streaming/internal/protocol"
	"github.com/rafaeljc/heimdall-streaming/internal/validation"
)

// errMalformed marks a change message that can never be processed.
var errMalformed = errors.New("malformed change message")

// Topics lists the message-queue topics the dispatcher consumes.
var Topics = []string{backplane.TopicFeatureFlagChange, backplane.TopicSegmentChange}

// Dispatcher consumes change topics from a message queue and publishes
// patches through the bridge.
type Dispatcher struct {
	queue  backplane.Transport
	bridge *backplane.Bridge
	logger *slog.Logger
}

// New creates a Dispatcher. It panics if queue or bridge is missing.
func New(logger *slog.Logger, queue backplane.Transport, bridge *backplane.Bridge) *Dispatcher {
	validation.AssertPresent(queue, "change queue")
	validation.AssertNotNil(bridge, "backplane bridge")
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		queue:  queue,
		bridge: bridge,
		logger: logger.With("component", "dispatcher", "queue", queue.Name()),
	}
}

// Run subscribes to every change topic and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("starting change dispatcher", slog.Any("topics", Topics))

	for _, topic := range Topics {
		if err := d.queue.Subscribe(ctx, topic, d.Handle); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	<-ctx.Done()
	d.logger.Info("change dispatcher stopping...")

	for _, topic := range Topics {
		if err := d.queue.Unsubscribe(context.Background(), topic); err != nil && !errors.Is(err, backplane.ErrTransportClosed) {
			d.logger.Warn("failed to unsubscribe", slog.String("topic", topic), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Handle processes one change message. Malformed messages are logged and
// dropped; a failed publish is returned so the Kafka and Postgres transports
// hold the message and retry it. Memory and Redis drop it.
func (d *Dispatcher) Handle(ctx context.Context, msg backplane.Message) error {
	var (
		envID, correlationID string
		patch                protocol.ChangePatch
		err                  error
	)

	switch msg.Channel {
	case backplane.TopicFeatureFlagChange:
		envID, correlationID, patch, err = flagChangePatch(msg.Payload)
	case backplane.TopicSegmentChange:
		envID, correlationID, patch, err = segmentChangePatch(msg.Payload)
	default:
		err = fmt.Errorf("%w: unknown topic %q", errMalformed, msg.Channel)
	}

	if err != nil {
		observability.DispatcherMessagesTotal.WithLabelValues(msg.Channel, "dropped").Inc()
		d.logger.Error("dropping change message",
			slog.String("topic", msg.Channel),
			slog.String("error", err.Error()),
		)
		return nil
	}

	data, err := json.Marshal(patch)
	if err != nil {
		observability.DispatcherMessagesTotal.WithLabelValues(msg.Channel, "fail").Inc()
		return fmt.Errorf("failed to encode patch: %w", err)
	}

	push := protocol.Message{MessageType: protocol.MessageTypeDataSync, Data: data}
	if err := d.bridge.PublishPush(ctx, envID, correlationID, push); err != nil {
		observability.DispatcherMessagesTotal.WithLabelValues(msg.Channel, "fail").Inc()
		return err
	}

	observability.DispatcherMessagesTotal.WithLabelValues(msg.Channel, "success").Inc()
	d.logger.Debug("patch published",
		slog.String("topic", msg.Channel),
		slog.String("env_id", envID),
		slog.String("correlation_id", correlationID),
	)
	return nil
}

// flagChangePatch builds the patch for a flag document carrying its envId.
func flagChangePatch(payload []byte) (string, string, protocol.ChangePatch, error) {
	if !gjson.ValidBytes(payload) {
		return "", "", protocol.ChangePatch{}, fmt.Errorf("%w: invalid json", errMalformed)
	}

	envID := gjson.GetBytes(payload, "envId").String()
	if envID == "" {
		return "", "", protocol.ChangePatch{}, fmt.Errorf("%w: flag envId is missing", errMalformed)
	}

	return envID, gjson.GetBytes(payload, "correlationId").String(), protocol.ChangePatch{
		EventType: protocol.EventPatch,
		Flags:     []json.RawMessage{json.RawMessage(payload)},
		Segments:  []json.RawMessage{},
	}, nil
}

// segmentChangePatch builds the patch for {segment, affectedFlagIds}.
func segmentChangePatch(payload []byte) (string, string, protocol.ChangePatch, error) {
	if !gjson.ValidBytes(payload) {
		return "", "", protocol.ChangePatch{}, fmt.Errorf("%w: invalid json", errMalformed)
	}

	segment := gjson.GetBytes(payload, "segment")
	affected := gjson.GetBytes(payload, "affectedFlagIds")
	if !segment.IsObject() || !affected.IsArray() {
		return "", "", protocol.ChangePatch{}, fmt.Errorf("%w: segment and affectedFlagIds are required", errMalformed)
	}

	envID := segment.Get("envId").String()
	if envID == "" {
		return "", "", protocol.ChangePatch{}, fmt.Errorf("%w: segment envId is missing", errMalformed)
	}

	ids := make([]string, 0, len(affected.Array()))
	for _, id := range affected.Array() {
		if id.String() != "" {
			ids = append(ids, id.String())
		}
	}

	return envID, gjson.GetBytes(payload, "correlationId").String(), protocol.ChangePatch{
		EventType:       protocol.EventPatch,
		Flags:           []json.RawMessage{},
		Segments:        []json.RawMessage{json.RawMessage(segment.Raw)},
		AffectedFlagIDs: ids,
	}, nil
}

// Name implements observability.Checker.
func (d *Dispatcher) Name() string {
	return "dispatcher"
}

// Check reports the health of the change queue.
func (d *Dispatcher) Check(ctx context.Context) error {
	if hc, ok := d.queue.(interface{ Check(context.Context) error }); ok {
		return hc.Check(ctx)
	}
	return nil
}
