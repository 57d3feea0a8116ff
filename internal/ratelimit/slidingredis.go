package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingScript trims expired entries, counts the window, and records the new
// event only when it fits — all in one round trip so concurrent requests
// cannot both slip under the limit.
const slidingScript = `redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count < tonumber(ARGV[2]) then
  redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
  return count + 1
end
return count + 1`

// Limiter is a sliding-window rate limiter on a Redis sorted set, keyed per
// user for withdrawal initiation.
type Limiter struct {
	Client *redis.Client
	Prefix string
}

// Allow records an event under key and reports whether it stays within max
// events per window. A nil client or non-positive bounds disable limiting.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error) {
	now := time.Now()
	reset = now.Add(window)
	if l.Client == nil || max <= 0 || window <= 0 {
		return true, max, reset, nil
	}

	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)
	score := strconv.FormatInt(now.UnixNano(), 10)
	ttlMillis := strconv.FormatInt(window.Milliseconds(), 10)

	res, err := l.Client.Eval(ctx, slidingScript,
		[]string{l.Prefix + key},
		cutoff, strconv.Itoa(max), score, uuid.NewString(), ttlMillis,
	).Int()
	if err != nil {
		return false, 0, reset, err
	}

	remaining = max - res
	if remaining < 0 {
		remaining = 0
	}
	return res <= max, remaining, reset, nil
}
