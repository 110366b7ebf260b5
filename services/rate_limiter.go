package services

import (
	"context"
	"fmt"
	"time"

	"github.com/juhinebhnani4/ldip/model"
	"github.com/juhinebhnani4/ldip/utils/cache"
)

// RateLimitDecision is the outcome of a check() call.
type RateLimitDecision struct {
	Allowed        bool
	Limit          int
	Remaining      int
	ResetAt        time.Time
	RetryAfterSecs int
}

// RateLimiter enforces a fixed-window-per-minute request budget per
// (principal, tier), backed by a Redis counter keyed
// ratelimit:<tier>:<key>:<minute-epoch>, distinct from the outbound
// digitalocean.RateLimiter token bucket, which throttles calls this
// service makes, not calls made to it.
type RateLimiter struct {
	redis   *cache.RedisCache
	limits  map[model.RateLimitTier]int
	enabled bool
}

// NewRateLimiter builds a rate limiter with the given per-tier limits
// (falls back to model.DefaultTierLimits for any tier not given).
func NewRateLimiter(redis *cache.RedisCache, enabled bool, overrides map[model.RateLimitTier]int) *RateLimiter {
	limits := make(map[model.RateLimitTier]int, len(model.DefaultTierLimits))
	for tier, n := range model.DefaultTierLimits {
		limits[tier] = n
	}
	for tier, n := range overrides {
		if n > 0 {
			limits[tier] = n
		}
	}
	return &RateLimiter{redis: redis, limits: limits, enabled: enabled}
}

func (l *RateLimiter) limitFor(tier model.RateLimitTier) int {
	if n, ok := l.limits[tier]; ok {
		return n
	}
	return model.DefaultTierLimits[model.TierStandard]
}

func rateLimitKey(tier model.RateLimitTier, key string, minuteEpoch int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", tier, key, minuteEpoch)
}

// Check increments the caller's counter for the current minute window and
// decides whether the request is allowed. Disabled rate limiting always
// allows.
func (l *RateLimiter) Check(ctx context.Context, key string, tier model.RateLimitTier) (*RateLimitDecision, error) {
	if !l.enabled {
		return &RateLimitDecision{Allowed: true, Limit: l.limitFor(tier), Remaining: l.limitFor(tier)}, nil
	}

	limit := l.limitFor(tier)
	now := time.Now()
	minuteEpoch := now.Unix() / 60
	redisKey := rateLimitKey(tier, key, minuteEpoch)

	count, err := l.redis.Increment(ctx, redisKey)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, redisKey, 120*time.Second); err != nil {
			return nil, fmt.Errorf("rate limit check: set ttl: %w", err)
		}
	}

	resetAt := time.Unix((minuteEpoch+1)*60, 0)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	decision := &RateLimitDecision{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		Allowed:   int(count) <= limit,
	}
	if !decision.Allowed {
		// The increment above already counted this call against the window;
		// a rejected call must not consume budget, so undo it.
		if _, err := l.redis.IncrementBy(ctx, redisKey, -1); err != nil {
			return nil, fmt.Errorf("rate limit check: rollback rejected increment: %w", err)
		}
		decision.RetryAfterSecs = int(time.Until(resetAt).Seconds())
		if decision.RetryAfterSecs < 1 {
			decision.RetryAfterSecs = 60
		}
	}
	return decision, nil
}

// TierDescriptor describes one tier for the status endpoint.
type TierDescriptor struct {
	Limit       int    `json:"limit"`
	Window      string `json:"window"`
	Description string `json:"description"`
}

var tierDescriptions = map[model.RateLimitTier]string{
	model.TierCritical: "mutating pipeline operations (upload, retry, cancel)",
	model.TierExport:   "document and timeline export endpoints",
	model.TierSearch:   "matter search and query endpoints",
	model.TierStandard: "general authenticated API traffic",
	model.TierReadonly: "read-only listing and status endpoints",
	model.TierHealth:   "health and readiness probes",
}

// Status returns the full tier table plus the storage backend name, the
// shape the rate-limit status endpoint returns.
func (l *RateLimiter) Status(key string) map[string]interface{} {
	tiers := make(map[string]TierDescriptor, len(l.limits))
	for tier, limit := range l.limits {
		tiers[string(tier)] = TierDescriptor{Limit: limit, Window: "minute", Description: tierDescriptions[tier]}
	}
	return map[string]interface{}{
		"key":     key,
		"tiers":   tiers,
		"storage": "redis",
	}
}
