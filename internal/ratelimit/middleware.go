package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Config derives the limit key and bounds for a route.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler applies the limiter ahead of the wrapped handler. Limiter outages
// fail open: blocking withdrawals because Redis is down is worse than briefly
// losing the limit.
type Handler struct {
	Limiter Limiter
	Config  Config
	OnError func(error)
}

func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.Key == nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, resetAt, err := h.Limiter.Allow(r.Context(), h.Config.Key(r), h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		writeLimitHeaders(w, h.Config.Max, remaining, resetAt)
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(secondsUntil(resetAt)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeLimitHeaders(w http.ResponseWriter, max, remaining int, resetAt time.Time) {
	if max < 0 {
		max = 0
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(max))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

func secondsUntil(t time.Time) int {
	s := int(time.Until(t).Seconds())
	if s < 0 {
		return 0
	}
	return s
}
