package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/juhinebhnani4/ldip/model"
	"github.com/juhinebhnani4/ldip/services"
)

// RateLimitConfig selects which tier a guarded route group checks against
// and how the caller's rate-limit key is derived.
type RateLimitConfig struct {
	Tier model.RateLimitTier
	// KeyFunc derives the per-caller rate-limit key. Defaults to c.IP().
	KeyFunc func(c *fiber.Ctx) string
}

// NewTieredRateLimit builds a Fiber middleware enforcing one
// services.RateLimiter tier, distinct from SetupSecurity's flat
// per-IP limiter.New — this one is tier-aware and backed by Redis
// counters; the recovery-stats endpoint reports the same limiter's tier
// limits, not its counters.
func NewTieredRateLimit(limiter *services.RateLimiter, cfg RateLimitConfig) fiber.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = func(c *fiber.Ctx) string { return c.IP() }
	}

	return func(c *fiber.Ctx) error {
		decision, err := limiter.Check(c.Context(), keyFunc(c), cfg.Tier)
		if err != nil {
			return c.Next() // fail open: a broken Redis must not take down the API
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			c.Set("Retry-After", strconv.Itoa(decision.RetryAfterSecs))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    "RATE_LIMIT_EXCEEDED",
					"message": "too many requests for this tier",
					"details": fiber.Map{
						"limit":       decision.Limit,
						"remaining":   decision.Remaining,
						"reset_at":    decision.ResetAt.Unix(),
						"retry_after": decision.RetryAfterSecs,
					},
				},
			})
		}

		return c.Next()
	}
}
