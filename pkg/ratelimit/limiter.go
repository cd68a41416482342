// Package ratelimit implements fixed-window per-minute request budgets in
// Redis, shared across pods. Each tier of endpoints carries its own budget;
// windows are keyed by minute epoch so counters expire on their own.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexpipe/lexpipe/pkg/config"
)

// Decision is the outcome of one Allow check.
type Decision struct {
	Allowed    bool
	Tier       string
	Limit      int
	Remaining  int
	Reset      time.Time     // when the current window ends
	RetryAfter time.Duration // zero when allowed
}

// Limiter counts requests in Redis fixed windows.
type Limiter struct {
	rdb *redis.Client
	cfg *config.RateLimitConfig
	now func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(rdb *redis.Client, cfg *config.RateLimitConfig) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg, now: time.Now}
}

// windowKey builds "ratelimit:<tier>:<key>:<minute-epoch>".
func windowKey(tier, key string, minute int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", tier, key, minute)
}

// Allow consumes one request from the tier budget for key (a matter ID or
// client identity). Redis being unreachable fails OPEN: throttling exists to
// protect capacity, not to take the API down with the cache.
func (l *Limiter) Allow(ctx context.Context, tier, key string) Decision {
	limit := l.cfg.Limit(tier)
	now := l.now().UTC()
	minute := now.Unix() / 60
	reset := time.Unix((minute+1)*60, 0).UTC()

	d := Decision{Allowed: true, Tier: tier, Limit: limit, Remaining: limit, Reset: reset}
	if !l.cfg.Enabled {
		return d
	}

	redisKey := windowKey(tier, key, minute)
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.cfg.WindowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Rate limit check failed, allowing request", "tier", tier, "error", err)
		return d
	}

	count := int(incr.Val())
	d.Remaining = limit - count
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if count > limit {
		d.Allowed = false
		d.RetryAfter = reset.Sub(now)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
		// A rejected call consumes no budget; undo the increment so the
		// window counter stays at the limit.
		if err := l.rdb.Decr(ctx, redisKey).Err(); err != nil {
			slog.Debug("Rate limit rollback failed", "tier", tier, "error", err)
		}
	}
	return d
}

// TierUsage is one tier's consumption in the current window.
type TierUsage struct {
	Tier      string    `json:"tier"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Status reports current-window usage for every tier for key, without
// consuming any budget.
func (l *Limiter) Status(ctx context.Context, key string) ([]TierUsage, error) {
	now := l.now().UTC()
	minute := now.Unix() / 60
	reset := time.Unix((minute+1)*60, 0).UTC()

	usages := make([]TierUsage, 0, len(l.cfg.Tiers))
	for tier, limit := range l.cfg.Tiers {
		used, err := l.rdb.Get(ctx, windowKey(tier, key, minute)).Int()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to read rate limit window for %s: %w", tier, err)
		}
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		usages = append(usages, TierUsage{
			Tier:      tier,
			Limit:     limit,
			Used:      used,
			Remaining: remaining,
			Reset:     reset,
		})
	}
	return usages, nil
}
