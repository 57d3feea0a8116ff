package common

import (
	"context"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Idem deduplicates write requests carrying an Idempotency-Key header. The
// first request claims the key in Redis; replays inside the TTL are rejected
// with 409 so a client retrying a payment or withdrawal cannot double-submit.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

// Middleware enforces the idempotency claim before the handler runs.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := idemKey(r, header)
		claimed, err := i.R.SetNX(r.Context(), key, "claimed", i.TTL).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL",
				"idempotency store error", map[string]any{"error": err.Error()})
			return
		}
		if !claimed {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
			return
		}

		// keep the claim alive for the full TTL even if the handler panics
		defer func() {
			_ = i.R.Expire(context.Background(), key, i.TTL).Err()
		}()
		next.ServeHTTP(w, r)
	})
}

// idemKey scopes the claim to the caller and route so two users (or two
// endpoints) reusing the same header value never collide.
func idemKey(r *http.Request, header string) string {
	scope := "anon"
	if uid, ok := UserID(r.Context()); ok {
		scope = uid
	}
	return "idem:" + Sha256Hex(scope+":"+r.URL.Path+":"+header)
}
