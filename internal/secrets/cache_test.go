package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu          sync.Mutex
	values      map[string]string
	fetchCalls  int
	reauthCalls int
	failWith    error
	failOnce    bool
}

func (f *fakeFetcher) Fetch(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.failWith != nil {
		err := f.failWith
		if f.failOnce {
			f.failWith = nil
		}
		return "", err
	}
	v, ok := f.values[name]
	if !ok {
		return "", fmt.Errorf("secret %q not found", name)
	}
	return v, nil
}

func (f *fakeFetcher) Reauthenticate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reauthCalls++
	return nil
}

func newTestCache(f Fetcher, ttl time.Duration) *Cache {
	return NewCache(f, ttl, zerolog.Nop())
}

func TestGetCachesWithinTTL(t *testing.T) {
	fetcher := &fakeFetcher{values: map[string]string{"db-password": "hunter2"}}
	cache := newTestCache(fetcher, time.Minute)

	v, err := cache.Get(context.Background(), "db-password", false)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	// Second call within the TTL must not touch the fetcher.
	v, err = cache.Get(context.Background(), "db-password", false)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)
	assert.Equal(t, 1, fetcher.fetchCalls)
}

func TestGetRefetchesAfterExpiry(t *testing.T) {
	fetcher := &fakeFetcher{values: map[string]string{"db-password": "hunter2"}}
	cache := newTestCache(fetcher, 10*time.Millisecond)

	_, err := cache.Get(context.Background(), "db-password", false)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	fetcher.values["db-password"] = "rotated"
	v, err := cache.Get(context.Background(), "db-password", false)
	require.NoError(t, err)
	assert.Equal(t, "rotated", v)
	assert.Equal(t, 2, fetcher.fetchCalls)
}

func TestGetForceRefreshBypassesCache(t *testing.T) {
	fetcher := &fakeFetcher{values: map[string]string{"db-password": "hunter2"}}
	cache := newTestCache(fetcher, time.Hour)

	_, err := cache.Get(context.Background(), "db-password", false)
	require.NoError(t, err)

	fetcher.values["db-password"] = "rotated"
	v, err := cache.Get(context.Background(), "db-password", true)
	require.NoError(t, err)
	assert.Equal(t, "rotated", v)
	assert.Equal(t, 2, fetcher.fetchCalls)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	fetcher := &fakeFetcher{values: map[string]string{"db-password": "hunter2"}}
	cache := newTestCache(fetcher, time.Hour)

	_, err := cache.Get(context.Background(), "db-password", false)
	require.NoError(t, err)

	cache.Invalidate("db-password")

	fetcher.values["db-password"] = "rotated"
	v, err := cache.Get(context.Background(), "db-password", false)
	require.NoError(t, err)
	assert.Equal(t, "rotated", v)
	assert.Equal(t, 2, fetcher.fetchCalls)
}

func TestInvalidateAllClearsEveryEntry(t *testing.T) {
	fetcher := &fakeFetcher{values: map[string]string{"a": "1", "b": "2"}}
	cache := newTestCache(fetcher, time.Hour)

	_, err := cache.Get(context.Background(), "a", false)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), "b", false)
	require.NoError(t, err)
	require.Equal(t, 2, fetcher.fetchCalls)

	cache.InvalidateAll()

	_, err = cache.Get(context.Background(), "a", false)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), "b", false)
	require.NoError(t, err)
	assert.Equal(t, 4, fetcher.fetchCalls)
}

func TestAuthFailureTriggersSingleReauthAndRetry(t *testing.T) {
	fetcher := &fakeFetcher{
		values:   map[string]string{"db-password": "hunter2"},
		failWith: fmt.Errorf("%w: status 403", ErrAuthFailed),
		failOnce: true,
	}
	cache := newTestCache(fetcher, time.Hour)

	v, err := cache.Get(context.Background(), "db-password", false)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)
	assert.Equal(t, 1, fetcher.reauthCalls)
	assert.Equal(t, 2, fetcher.fetchCalls)
}

func TestAuthFailurePropagatesWhenRetryFails(t *testing.T) {
	fetcher := &fakeFetcher{
		failWith: fmt.Errorf("%w: status 403", ErrAuthFailed),
	}
	cache := newTestCache(fetcher, time.Hour)

	_, err := cache.Get(context.Background(), "db-password", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed))
	// One re-authentication, one retry, no loop.
	assert.Equal(t, 1, fetcher.reauthCalls)
	assert.Equal(t, 2, fetcher.fetchCalls)
}

func TestNonAuthFailureDoesNotReauthenticate(t *testing.T) {
	fetcher := &fakeFetcher{failWith: errors.New("connection reset")}
	cache := newTestCache(fetcher, time.Hour)

	_, err := cache.Get(context.Background(), "db-password", false)
	require.Error(t, err)
	assert.Zero(t, fetcher.reauthCalls)
	assert.Equal(t, 1, fetcher.fetchCalls)
}

func TestConcurrentGetsForDifferentNames(t *testing.T) {
	fetcher := &fakeFetcher{values: map[string]string{"a": "1", "b": "2", "c": "3"}}
	cache := newTestCache(fetcher, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		name := string(rune('a' + i%3))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), name, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
