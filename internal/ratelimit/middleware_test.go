package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func limitedHandler(t *testing.T, client *redis.Client, max int, onErr func(error)) http.Handler {
	t.Helper()
	h := Handler{
		Limiter: Limiter{Client: client, Prefix: "ratelimit:"},
		Config: Config{
			Key:    func(*http.Request) string { return "static" },
			Window: time.Second,
			Max:    max,
		},
		OnError: onErr,
	}
	return h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestMiddlewareEnforcesLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	handler := limitedHandler(t, client, 1, nil)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Equal(t, "1", second.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestMiddlewareFailsOpenOnStoreError(t *testing.T) {
	// port 0 is never connectable, so every Allow call errors
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	var got error
	handler := limitedHandler(t, client, 1, func(err error) { got = err })

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Error(t, got)
}
