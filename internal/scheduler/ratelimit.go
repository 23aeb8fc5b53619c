package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// RateLimitConfig sets per-user delivery ceilings. A zero limit disables that
// window. HighPriorityBypass lets high-priority jobs through an exhausted
// limit; the result then carries bypassedRateLimit.
type RateLimitConfig struct {
	PerMinute          int  `yaml:"per_minute"`
	PerHour            int  `yaml:"per_hour"`
	PerDay             int  `yaml:"per_day"`
	HighPriorityBypass bool `yaml:"high_priority_bypass"`
}

// rateLimiter tracks per-user/type counters in the shared store so ceilings
// hold across the whole cluster, not per instance.
type rateLimiter struct {
	cfg    RateLimitConfig
	store  presence.CoordinationStore
	logger zerolog.Logger
}

func newRateLimiter(cfg RateLimitConfig, store presence.CoordinationStore, logger zerolog.Logger) *rateLimiter {
	return &rateLimiter{cfg: cfg, store: store, logger: logger}
}

// allow increments every configured window counter and reports whether the
// job is within limits. Store errors fail open: dropping notifications
// because the limiter is unreachable is the wrong trade.
func (l *rateLimiter) allow(ctx context.Context, userID, templateID string) bool {
	windows := []struct {
		name  string
		size  time.Duration
		limit int
	}{
		{"minute", time.Minute, l.cfg.PerMinute},
		{"hour", time.Hour, l.cfg.PerHour},
		{"day", 24 * time.Hour, l.cfg.PerDay},
	}

	allowed := true
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		key := presence.RateLimitKey(userID, templateID, w.name)
		count, err := l.store.IncrementWithTTL(ctx, key, w.size)
		if err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("Rate limit counter unavailable, failing open.")
			continue
		}
		if count > int64(w.limit) {
			allowed = false
		}
	}
	return allowed
}
