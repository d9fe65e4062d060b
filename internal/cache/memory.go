package cache

import (
	"time"

	"github.com/maypok86/otter"

	"github.com/rafaeljc/heimdall-streaming/internal/connection"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
)

// SecretCache keeps token lookups in memory using otter (S3-FIFO).
// Secrets are immutable once issued, so the TTL only bounds how long a revoked
// token keeps working on an instance.
type SecretCache struct {
	store otter.Cache[string, []connection.Secret]
}

// NewSecretCache initializes the cache with strict limits.
// capacity: Max number of tokens (Hard Cap to prevent OOM).
// ttl: Time-To-Live for every entry.
func NewSecretCache(capacity int, ttl time.Duration) (*SecretCache, error) {
	cache, err := otter.MustBuilder[string, []connection.Secret](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}

	return &SecretCache{store: cache}, nil
}

// Get returns the secrets cached for token.
func (c *SecretCache) Get(token string) ([]connection.Secret, bool) {
	secrets, ok := c.store.Get(token)
	if ok {
		observability.SecretCacheHits.Inc()
	} else {
		observability.SecretCacheMisses.Inc()
	}
	return secrets, ok
}

// Set stores the secrets resolved for token.
func (c *SecretCache) Set(token string, secrets []connection.Secret) {
	c.store.Set(token, secrets)
}

// Del drops a token, e.g. after it was revoked.
func (c *SecretCache) Del(token string) {
	c.store.Delete(token)
}

// Len returns the number of cached tokens.
func (c *SecretCache) Len() int {
	return c.store.Size()
}

// Close stops the cache's background cleanup goroutines.
func (c *SecretCache) Close() {
	c.store.Close()
}
