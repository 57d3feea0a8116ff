package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// ready gates the readiness probe so deploys can drain traffic before the
// process exits. It starts true; shutdown paths flip it off.
var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady toggles the readiness gate.
func SetReady(v bool) { ready.Store(v) }

// Checker probes the dependencies the service cannot run without.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Handler serves the liveness and readiness endpoints.
type Handler struct {
	Checker      Checker
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

// Live answers as long as the process is serving requests.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports per-dependency status, returning 503 when anything is down
// or the readiness gate is closed.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}

	status := map[string]string{
		"db":    probe(r.Context(), h.Checker.PingDB, h.DBTimeout, 500*time.Millisecond),
		"redis": probe(r.Context(), h.Checker.PingRedis, h.RedisTimeout, 300*time.Millisecond),
	}

	code := http.StatusOK
	for _, v := range status {
		if v != "ok" {
			code = http.StatusServiceUnavailable
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func probe(ctx context.Context, ping func(context.Context, time.Duration) error, timeout, fallback time.Duration) string {
	if timeout <= 0 {
		timeout = fallback
	}
	if err := ping(ctx, timeout); err != nil {
		return err.Error()
	}
	return "ok"
}
