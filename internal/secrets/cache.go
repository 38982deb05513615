// Package secrets provides a TTL cache over a rotating credential fetched
// from an external secret store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTTL bounds how long a fetched secret is trusted before the next Get
// goes back to the store.
const DefaultTTL = 24 * time.Hour

// ErrAuthFailed marks a 401/403-class failure from the secret store. Fetchers
// wrap authorization failures with this sentinel so the cache can run its
// one-shot re-authentication path.
var ErrAuthFailed = errors.New("secret fetch authorization failed")

// Fetcher is the external secret-fetch capability.
type Fetcher interface {
	Fetch(ctx context.Context, name string) (string, error)
	// Reauthenticate rebuilds the identity used to call the secret store.
	Reauthenticate(ctx context.Context) error
}

type entry struct {
	value     string
	fetchedAt time.Time
}

// Cache is a time-bounded cache for rotating credentials, keyed by secret
// name. Concurrent Gets for different names do not interfere; concurrent Gets
// for the same expired name may both fetch, which is acceptable because
// fetching is idempotent.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	log     zerolog.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

func NewCache(fetcher Fetcher, ttl time.Duration, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		log:     log,
		entries: make(map[string]entry),
	}
}

// Get returns the secret value, from cache when the entry is younger than the
// TTL and forceRefresh is false, otherwise from the fetcher.
func (c *Cache) Get(ctx context.Context, name string, forceRefresh bool) (string, error) {
	if !forceRefresh {
		c.mu.RLock()
		e, ok := c.entries[name]
		c.mu.RUnlock()
		if ok {
			age := time.Since(e.fetchedAt)
			if age < c.ttl {
				c.log.Debug().Str("secret", name).Dur("age", age).Msg("secret cache hit")
				return e.value, nil
			}
			c.log.Info().Str("secret", name).Dur("age", age).Msg("secret cache entry expired")
		}
	}
	return c.fetchAndStore(ctx, name)
}

// fetchAndStore calls the fetcher once; on an authorization failure it
// re-authenticates the fetch identity exactly once and retries once. A second
// failure propagates to the caller.
func (c *Cache) fetchAndStore(ctx context.Context, name string) (string, error) {
	c.log.Info().Str("secret", name).Msg("fetching secret from store")

	value, err := c.fetcher.Fetch(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrAuthFailed) {
			return "", fmt.Errorf("fetch secret %q: %w", name, err)
		}

		c.log.Warn().Str("secret", name).Err(err).Msg("authorization failure fetching secret, re-authenticating")
		if reauthErr := c.fetcher.Reauthenticate(ctx); reauthErr != nil {
			return "", fmt.Errorf("re-authenticate secret fetcher: %w", reauthErr)
		}
		value, err = c.fetcher.Fetch(ctx, name)
		if err != nil {
			return "", fmt.Errorf("fetch secret %q after re-authentication: %w", name, err)
		}
	}

	c.mu.Lock()
	c.entries[name] = entry{value: value, fetchedAt: time.Now()}
	c.mu.Unlock()

	c.log.Info().Str("secret", name).Msg("secret fetched and cached")
	return value, nil
}

// Invalidate removes one entry from the cache.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		delete(c.entries, name)
		c.log.Info().Str("secret", name).Msg("secret cache entry invalidated")
	}
}

// InvalidateAll clears the whole cache atomically.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
	c.log.Info().Msg("secret cache cleared")
}
