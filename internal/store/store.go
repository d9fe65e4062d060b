// Package store provides read access to flags, segments and SDK secrets.
// It handles all direct interactions with the PostgreSQL database using the pgx driver.
package store

import (
	"context"
	"errors"

	"github.com/goccy/go-json"

	"github.com/rafaeljc/heimdall-streaming/internal/connection"
)

// ErrSecretNotFound is returned when a token maps to no environment.
var ErrSecretNotFound = errors.New("secret not found")

// Store returns flag and segment documents as raw JSON, exactly as served to SDKs.
type Store interface {
	// GetFlags returns the flags of envID updated after since (epoch ms).
	// since = 0 returns every flag.
	GetFlags(ctx context.Context, envID string, since int64) ([]json.RawMessage, error)

	// GetSegments returns the segments of envID updated after since (epoch ms).
	GetSegments(ctx context.Context, envID string, since int64) ([]json.RawMessage, error)

	// GetFlagsByIDs returns the flags with the given ids, in no particular order.
	// Unknown ids are skipped.
	GetFlagsByIDs(ctx context.Context, ids []string) ([]json.RawMessage, error)
}

// SecretStore resolves the token presented on the WebSocket handshake.
type SecretStore interface {
	// GetSecrets returns one secret for client and server tokens and one per
	// mapped environment for relay-proxy tokens, or ErrSecretNotFound.
	GetSecrets(ctx context.Context, token string) ([]connection.Secret, error)
}
