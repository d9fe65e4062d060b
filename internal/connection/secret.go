// Package connection models SDK connections and the registry that tracks them.
//
// A physical WebSocket is a Context. It owns one logical Connection for client
// and server SDKs, or one per mapped environment for relay proxies.
package connection

import (
	"errors"
	"fmt"
	"strings"
)

// Type is the kind of SDK on the other end of a socket.
type Type string

const (
	TypeClient     Type = "client"
	TypeServer     Type = "server"
	TypeRelayProxy Type = "relay-proxy"
)

// ErrInvalidSecret reports a secret that cannot back a connection.
var ErrInvalidSecret = errors.New("invalid secret")

// ParseType validates the type query parameter.
func ParseType(raw string) (Type, bool) {
	switch t := Type(strings.ToLower(strings.TrimSpace(raw))); t {
	case TypeClient, TypeServer, TypeRelayProxy:
		return t, true
	default:
		return "", false
	}
}

// Secret identifies which environment and SDK kind a token grants. Immutable once issued.
type Secret struct {
	Type       Type   `json:"type"`
	ProjectKey string `json:"projectKey"`
	EnvKey     string `json:"envKey"`
	EnvID      string `json:"envId"`
}

// Validate checks that every identifying field is present.
func (s Secret) Validate() error {
	if _, ok := ParseType(string(s.Type)); !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSecret, s.Type)
	}
	if s.ProjectKey == "" || s.EnvKey == "" || s.EnvID == "" {
		return fmt.Errorf("%w: projectKey, envKey and envId are required", ErrInvalidSecret)
	}
	return nil
}

// ConnectionID is the deterministic logical id shared by every connection to
// the same environment.
func (s Secret) ConnectionID() string {
	return s.ProjectKey + ":" + s.EnvKey
}
