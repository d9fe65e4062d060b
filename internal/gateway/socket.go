package gateway

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/rafaeljc/heimdall-streaming/internal/connection"
)

// Close codes sent by the gateway.
const (
	// StatusInvalidRequest rejects a handshake or a data-sync that cannot be served.
	StatusInvalidRequest websocket.StatusCode = 4003

	reasonInvalidRequest = "invalid request, close by server"
	reasonShutdown       = "server shutting down"
	reasonTooLarge       = "message exceeds the fragment cap"
	reasonWriteFailed    = "write failed"
	reasonUnavailable    = "try again later"
)

// wsSocket adapts a coder/websocket connection to connection.Socket.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

var _ connection.Socket = (*wsSocket)(nil)

func (s *wsSocket) Write(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

func (s *wsSocket) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}
