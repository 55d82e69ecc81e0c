// Package guard gates proposals: item locks, per-initiator rate limits and
// advisory flagging of repeated rejections.
//
// A Guard is process-scoped. It is created when the engine opens and torn
// down by Close; its counters are not persisted unless the redis strategy is
// configured.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/logging"
	"github.com/diamondops/custody/pkg/metrics"
	"github.com/diamondops/custody/pkg/model"
)

// Limiter decides whether one more attempt for key fits the limit.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Guard is the abuse guard consulted before a proposal is accepted.
type Guard struct {
	limiter  Limiter
	fallback Limiter
	failures *failureTracker
	limit    int
	window   time.Duration
	closer   func() error
	metrics  *metrics.Registry
	log      *logging.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithMetrics records guard decisions in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(g *Guard) { g.metrics = reg }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// WithLimiter replaces the configured limiter.
func WithLimiter(l Limiter) Option {
	return func(g *Guard) { g.limiter = l }
}

// New builds a guard from cfg. clock drives every window.
func New(cfg config.GuardConfig, clock func() time.Time, opts ...Option) (*Guard, error) {
	rl := cfg.RateLimit
	g := &Guard{
		limit:  rl.Limit,
		window: rl.Window.Duration,
		failures: &failureTracker{
			threshold: cfg.FailureFlag.Threshold,
			window:    cfg.FailureFlag.Window.Duration,
			clock:     clock,
		},
		log: logging.Discard(),
	}

	switch rl.Strategy {
	case config.StrategySlidingWindow, "":
		g.limiter = NewSlidingWindow(rl.Limit, rl.Window.Duration, clock)
	case config.StrategyTokenBucket:
		g.limiter = NewTokenBucket(rl.Limit, rl.Window.Duration, clock)
	case config.StrategyRedis:
		rw := NewRedis(redis.NewClient(&redis.Options{Addr: rl.RedisAddr}), rl.Limit, rl.Window.Duration, clock)
		g.limiter = rw
		g.fallback = NewSlidingWindow(rl.Limit, rl.Window.Duration, clock)
		g.closer = rw.Close
	default:
		return nil, fmt.Errorf("guard: unknown rate limit strategy %q", rl.Strategy)
	}

	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With("component", "guard")
	return g, nil
}

// CheckLock rejects proposals on an item its current custodian has locked.
func (g *Guard) CheckLock(item model.CustodyItem) error {
	if item.LockedByCustodian() {
		g.metrics.RecordGuard("locked")
		return errclass.ErrCustodyLocked.WithMessagef("item %s is locked by its custodian %s", item.ItemID, item.CurrentCustodian)
	}
	return nil
}

// Allow consumes one proposal attempt for initiator.
func (g *Guard) Allow(ctx context.Context, initiator string) error {
	ok, err := g.limiter.Allow(ctx, initiator)
	if err != nil {
		if g.fallback == nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		g.log.Warn("rate limiter unavailable, using in-process window", map[string]any{
			"initiator": initiator,
			"error":     err.Error(),
		})
		ok, _ = g.fallback.Allow(ctx, initiator)
	}
	if !ok {
		g.metrics.RecordGuard("rate_limited")
		return errclass.ErrRateLimitExceeded.WithMessagef("initiator %s exceeded %d proposals per %s", initiator, g.limit, g.window)
	}
	g.metrics.RecordGuard("allowed")
	return nil
}

// RecordRejection notes a rejected proposal by initiator and reports whether
// the initiator is now flagged. The flag is advisory and never blocks.
func (g *Guard) RecordRejection(initiator string) bool {
	flagged := g.failures.record(initiator)
	if flagged {
		g.metrics.RecordGuard("flagged")
		g.log.Warn("initiator flagged for repeated rejected proposals", map[string]any{
			"initiator": initiator,
		})
	}
	return flagged
}

// Flagged reports whether initiator is currently flagged.
func (g *Guard) Flagged(initiator string) bool {
	return g.failures.flagged(initiator)
}

// Close releases external connections.
func (g *Guard) Close() error {
	if g.closer != nil {
		return g.closer()
	}
	return nil
}
