package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the caller still owns it, so a lock
// that expired and was re-acquired by another process is never released here.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`

var (
	// ErrNotConfigured is returned when the locker has no Redis client.
	ErrNotConfigured = errors.New("lock: redis client not configured")
	errNilCallback   = errors.New("lock: callback not provided")
)

// Locker serialises operations on a shared key, e.g. one in-flight withdrawal
// per user. Locks auto-expire after their TTL so a crashed holder cannot wedge
// the flow.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
}

// WithLock runs fn while holding the lock for key. Acquisition retries with a
// fixed backoff until the context is cancelled. The lock is released on return
// regardless of fn's outcome.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return ErrNotConfigured
	}
	if fn == nil {
		return errNilCallback
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	token := uuid.NewString()
	if err := l.acquire(ctx, key, token, ttl); err != nil {
		return err
	}
	defer l.release(key, token)
	return fn(ctx)
}

func (l Locker) acquire(ctx context.Context, key, token string, ttl time.Duration) error {
	backoff := l.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// release uses a fresh context: the caller's context may already be cancelled
// and the lock must still be dropped.
func (l Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.R.Eval(ctx, releaseScript, []string{key}, token).Err()
}
