package guard

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/diamondops/custody/pkg/uuidutil"
)

// slidingWindowScript prunes, counts and records in one round trip so
// concurrent engine processes share one window per key.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisWindow is a sliding-window limiter kept in Redis sorted sets, so
// limits survive restarts and are shared between processes.
type RedisWindow struct {
	Client *redis.Client
	Prefix string
	limit  int
	window time.Duration
	clock  func() time.Time
}

// NewRedis creates a Redis-backed sliding-window limiter.
func NewRedis(client *redis.Client, limit int, window time.Duration, clock func() time.Time) *RedisWindow {
	return &RedisWindow{
		Client: client,
		Prefix: "custody:ratelimit:",
		limit:  limit,
		window: window,
		clock:  clock,
	}
}

// Allow records a hit for key if it fits in the window.
func (r *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	now := r.clock()
	res, err := slidingWindowScript.Run(ctx, r.Client, []string{r.Prefix + key},
		now.UnixMilli(), r.window.Milliseconds(), r.limit, uuidutil.NewV4()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Close releases the client.
func (r *RedisWindow) Close() error {
	return r.Client.Close()
}
