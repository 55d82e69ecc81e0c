package guard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket gives each key a bucket of limit tokens refilled evenly over
// the window.
type TokenBucket struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewTokenBucket creates an in-process token-bucket limiter.
func NewTokenBucket(limit int, window time.Duration, clock func() time.Time) *TokenBucket {
	return &TokenBucket{
		limit:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (b *TokenBucket) bucket(key string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.buckets[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(b.window/time.Duration(b.limit)), b.limit)
		b.buckets[key] = l
	}
	return l
}

// Allow takes a token from key's bucket if one is available.
func (b *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	return b.bucket(key).AllowN(b.clock(), 1), nil
}
