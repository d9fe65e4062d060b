package store

import (
	"context"

	"github.com/rafaeljc/heimdall-streaming/internal/cache"
	"github.com/rafaeljc/heimdall-streaming/internal/connection"
	"github.com/rafaeljc/heimdall-streaming/internal/validation"
)

var _ SecretStore = (*CachedSecretStore)(nil)

// CachedSecretStore serves repeated handshakes for the same token from memory.
// Unknown tokens are not cached, so a newly issued token works immediately.
type CachedSecretStore struct {
	next  SecretStore
	cache *cache.SecretCache
}

// NewCachedSecretStore wraps next with cache.
func NewCachedSecretStore(next SecretStore, c *cache.SecretCache) *CachedSecretStore {
	validation.AssertPresent(next, "secret store")
	validation.AssertNotNil(c, "secret cache")
	return &CachedSecretStore{next: next, cache: c}
}

// GetSecrets implements SecretStore.
func (s *CachedSecretStore) GetSecrets(ctx context.Context, token string) ([]connection.Secret, error) {
	if secrets, ok := s.cache.Get(token); ok {
		return secrets, nil
	}

	secrets, err := s.next.GetSecrets(ctx, token)
	if err != nil {
		return nil, err
	}

	s.cache.Set(token, secrets)
	return secrets, nil
}
