package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/rafaeljc/heimdall-streaming/internal/connection"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
	"github.com/rafaeljc/heimdall-streaming/internal/protocol"
)

// ErrTooManyFragments is returned when an inbound message exceeds BufferSize×MaxMessageFragments.
var ErrTooManyFragments = errors.New("message exceeds the fragment cap")

// State is the lifecycle of a session: Connecting → Open → Closing → Closed.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session drives the read loop of one socket.
type session struct {
	gw      *Gateway
	conn    *websocket.Conn
	ctx     *connection.Context
	logger  *slog.Logger
	maxSize int

	state atomic.Int32
}

func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// run processes inbound messages in receive order until the socket fails or
// is closed. It always leaves the session Closed and unregistered.
func (s *session) run(ctx context.Context) {
	if !s.transition(StateConnecting, StateOpen) {
		return
	}

	typ := string(s.ctx.Type())
	observability.StreamingConnectionsTotal.WithLabelValues(typ).Inc()
	observability.StreamingConnectionsActive.WithLabelValues(typ).Inc()
	s.logger.Info("connection opened", slog.Int("connections", len(s.ctx.Connections())))

	code, reason := s.readLoop(ctx)
	s.close(code, reason)

	observability.StreamingConnectionsActive.WithLabelValues(typ).Dec()
	observability.StreamingConnectionDuration.WithLabelValues(typ).Observe(time.Since(s.ctx.ConnectAt()).Seconds())
}

// readLoop returns the close status the socket should end with.
func (s *session) readLoop(ctx context.Context) (int, string) {
	for {
		payload, err := s.readMessage(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrTooManyFragments):
				observability.StreamingProtocolErrors.WithLabelValues("too_large").Inc()
				s.logger.Warn("closing connection", slog.String("error", err.Error()))
				return int(websocket.StatusPolicyViolation), reasonTooLarge
			case websocket.CloseStatus(err) != -1:
				s.logger.Debug("peer closed the connection", slog.Int("status", int(websocket.CloseStatus(err))))
				return int(websocket.CloseStatus(err)), ""
			default:
				if ctx.Err() == nil && !s.ctx.Closed() {
					s.logger.Debug("read failed", slog.String("error", err.Error()))
				}
				return int(websocket.StatusGoingAway), ""
			}
		}

		if err := s.dispatch(ctx, payload); err != nil {
			var ce *closeError
			if errors.As(err, &ce) {
				s.logger.Warn("rejecting connection", slog.String("error", ce.err.Error()))
				return ce.code, ce.reason
			}
			if errors.Is(err, connection.ErrClosed) {
				return int(websocket.StatusNormalClosure), ""
			}
		}
	}
}

// readMessage reads one whole text message, reassembled from its frames.
// Binary messages are counted as malformed and skipped.
func (s *session) readMessage(ctx context.Context) ([]byte, error) {
	for {
		typ, r, err := s.conn.Reader(ctx)
		if err != nil {
			return nil, err
		}

		// One extra byte tells an exactly full message from an oversized one.
		payload, err := io.ReadAll(io.LimitReader(r, int64(s.maxSize)+1))
		if err != nil {
			return nil, err
		}
		if len(payload) > s.maxSize {
			return nil, ErrTooManyFragments
		}

		if typ == websocket.MessageText {
			return payload, nil
		}
		observability.StreamingProtocolErrors.WithLabelValues("malformed").Inc()
		s.logger.Debug("ignoring binary message")
	}
}

// dispatch routes one message. Protocol and handler errors are logged and
// the connection stays open; only closeError and write failures end it.
func (s *session) dispatch(ctx context.Context, payload []byte) error {
	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.MessageType == "" {
		observability.StreamingProtocolErrors.WithLabelValues("malformed").Inc()
		s.logger.Debug("dropping malformed message")
		return nil
	}

	messageType := msg.NormalizedType()
	handler, ok := s.gw.handlers.lookup(messageType)
	if !ok {
		observability.StreamingProtocolErrors.WithLabelValues("unknown_type").Inc()
		s.logger.Debug("dropping message of unknown type", slog.String("message_type", msg.MessageType))
		return nil
	}

	observability.StreamingMessagesReceived.WithLabelValues(messageType).Inc()
	start := time.Now()
	err := handler.Handle(ctx, s.ctx, msg.Data)
	observability.StreamingMessageHandlingDuration.WithLabelValues(messageType).Observe(time.Since(start).Seconds())

	if err == nil {
		return nil
	}

	var ce *closeError
	if errors.As(err, &ce) || errors.Is(err, connection.ErrClosed) {
		return err
	}

	observability.StreamingProtocolErrors.WithLabelValues("handler_failed").Inc()
	s.logger.Error("message handler failed",
		slog.String("message_type", messageType),
		slog.String("error", err.Error()),
	)
	return nil
}

// close moves the session to Closed, closing the socket if nobody did yet and
// removing its entries from the registry.
func (s *session) close(code int, reason string) {
	if !s.transition(StateOpen, StateClosing) {
		return
	}

	if !s.ctx.Closed() {
		if err := s.ctx.Close(code, reason, time.Now()); err != nil {
			s.logger.Debug("close handshake failed", slog.String("error", err.Error()))
		}
	}

	s.gw.unregister(s.ctx)
	s.state.Store(int32(StateClosed))
	s.logger.Info("connection closed", slog.Int("status", code))
}
