package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenCacheReusesTokenUntilGraceWindow(t *testing.T) {
	calls := 0
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cache := &TokenCache{
		Grace: time.Minute,
		Fetch: func(context.Context) (string, time.Duration, error) {
			calls++
			return "tok-1", 5 * time.Minute, nil
		},
		now: func() time.Time { return clock },
	}

	got, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", got)

	clock = clock.Add(3 * time.Minute)
	got, err = cache.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", got)
	require.Equal(t, 1, calls)

	// past ttl minus grace, the next call refreshes
	clock = clock.Add(2 * time.Minute)
	_, err = cache.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestTokenCacheInvalidateForcesRefresh(t *testing.T) {
	calls := 0
	cache := &TokenCache{
		Grace: time.Minute,
		Fetch: func(context.Context) (string, time.Duration, error) {
			calls++
			return "tok", 5 * time.Minute, nil
		},
	}

	_, err := cache.Get(context.Background())
	require.NoError(t, err)
	cache.Invalidate()
	_, err = cache.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestTokenCachePropagatesFetchError(t *testing.T) {
	cache := &TokenCache{
		Fetch: func(context.Context) (string, time.Duration, error) {
			return "", 0, errors.New("auth failed")
		},
	}
	_, err := cache.Get(context.Background())
	require.Error(t, err)
}

func TestTokenCacheUnconfigured(t *testing.T) {
	var cache *TokenCache
	_, err := cache.Get(context.Background())
	require.Error(t, err)
}
