package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/rafaeljc/heimdall-streaming/internal/connection"
	"github.com/rafaeljc/heimdall-streaming/internal/datasync"
	"github.com/rafaeljc/heimdall-streaming/internal/protocol"
)

// MessageHandler processes one inbound message of a given type.
type MessageHandler interface {
	Handle(ctx context.Context, c *connection.Context, data json.RawMessage) error
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, c *connection.Context, data json.RawMessage) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, c *connection.Context, data json.RawMessage) error {
	return f(ctx, c, data)
}

// closeError asks the session to close the socket with the given status.
type closeError struct {
	code   int
	reason string
	err    error
}

func (e *closeError) Error() string {
	return fmt.Sprintf("close %d (%s): %v", e.code, e.reason, e.err)
}

func (e *closeError) Unwrap() error { return e.err }

func rejectRequest(err error) error {
	return &closeError{code: int(StatusInvalidRequest), reason: reasonInvalidRequest, err: err}
}

// handlerRegistry resolves message types case-insensitively.
type handlerRegistry map[string]MessageHandler

func (r handlerRegistry) register(messageType string, h MessageHandler) {
	r[strings.ToLower(messageType)] = h
}

func (r handlerRegistry) lookup(messageType string) (MessageHandler, bool) {
	h, ok := r[strings.ToLower(strings.TrimSpace(messageType))]
	return h, ok
}

// dataSyncHandler answers data-sync requests.
type dataSyncHandler struct {
	sync *datasync.Service
}

func (h *dataSyncHandler) Handle(ctx context.Context, c *connection.Context, data json.RawMessage) error {
	var req protocol.DataSyncRequest
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("invalid data-sync request: %w", err)
		}
	}

	if c.Type() == connection.TypeClient && req.User != nil {
		if err := c.Connection().AttachUser(req.User); err != nil {
			return rejectRequest(err)
		}
	}

	frame, err := h.sync.Sync(ctx, c, req.Timestamp)
	if err != nil {
		if errors.Is(err, datasync.ErrUserRequired) {
			return rejectRequest(err)
		}
		return err
	}

	return c.Send(ctx, frame)
}

// pongFrame is the reply to every ping.
var pongFrame = mustEncode(protocol.MessageTypePong, struct{}{})

func pingHandler(ctx context.Context, c *connection.Context, _ json.RawMessage) error {
	return c.Send(ctx, pongFrame)
}

func mustEncode(messageType string, data any) []byte {
	frame, err := protocol.Encode(messageType, data)
	if err != nil {
		panic(fmt.Sprintf("failed to encode %s frame: %v", messageType, err))
	}
	return frame
}
