package gateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TokenCache owns a provider's short-lived bearer token. The fetch callback is
// only invoked when the cached token is missing or inside the expiry grace
// window, and concurrent callers share a single refresh.
type TokenCache struct {
	Fetch func(ctx context.Context) (token string, ttl time.Duration, err error)
	// Grace is subtracted from the token TTL so a token is refreshed before
	// the provider considers it expired.
	Grace time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// Get returns a valid token, refreshing it if needed.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	if c == nil || c.Fetch == nil {
		return "", errors.New("gateway: token fetch not configured")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.clock().Before(c.expiresAt) {
		return c.token, nil
	}
	token, ttl, err := c.Fetch(ctx)
	if err != nil {
		return "", err
	}
	if ttl <= c.Grace {
		ttl = c.Grace + time.Second
	}
	c.token = token
	c.expiresAt = c.clock().Add(ttl - c.Grace)
	return c.token, nil
}

// Invalidate drops the cached token so the next Get refreshes.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
}

func (c *TokenCache) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
