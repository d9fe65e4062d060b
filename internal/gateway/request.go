package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rafaeljc/heimdall-streaming/internal/connection"
)

var errInvalidRequest = errors.New("invalid connection request")

// connectRequest is the query string of GET /streaming.
type connectRequest struct {
	Type    connection.Type
	Version string
	Token   string
}

// parseConnectRequest reads ?type=&version=&token=.
func parseConnectRequest(r *http.Request) (connectRequest, error) {
	q := r.URL.Query()

	typ, ok := connection.ParseType(q.Get("type"))
	if !ok {
		return connectRequest{}, errInvalidRequest
	}

	token := strings.TrimSpace(q.Get("token"))
	if token == "" {
		return connectRequest{}, errInvalidRequest
	}

	return connectRequest{
		Type:    typ,
		Version: strings.TrimSpace(q.Get("version")),
		Token:   token,
	}, nil
}

// secretsMatch reports whether the resolved secrets may back a socket of type typ.
// Client and server tokens must match the requested type; relay-proxy tokens
// only resolve to relay-proxy secrets.
func secretsMatch(typ connection.Type, secrets []connection.Secret) bool {
	if len(secrets) == 0 {
		return false
	}
	if typ != connection.TypeRelayProxy && len(secrets) != 1 {
		return false
	}
	for _, s := range secrets {
		if s.Type != typ {
			return false
		}
	}
	return true
}

// isWebSocketRequest reports whether r asks for an upgrade.
func isWebSocketRequest(r *http.Request) bool {
	return headerContains(r.Header, "Connection", "upgrade") &&
		headerContains(r.Header, "Upgrade", "websocket")
}

func headerContains(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
