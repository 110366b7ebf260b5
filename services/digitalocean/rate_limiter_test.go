package digitalocean

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterTryAcquire(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxTokens:        2,
		RefillRate:       1,
		GenAIMaxTokens:   1,
		GenAIRefillRate:  1,
		GenAIMinInterval: 0,
	})

	assert.True(t, limiter.TryAcquire(false))
	assert.True(t, limiter.TryAcquire(false))
	assert.False(t, limiter.TryAcquire(false), "bucket should be empty after draining its burst capacity")
}

func TestRateLimiterTryAcquireGenAI(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxTokens:      5,
		RefillRate:     1,
		GenAIMaxTokens: 1,
	})

	assert.True(t, limiter.TryAcquire(true))
	assert.False(t, limiter.TryAcquire(true), "genai bucket is independent of the general bucket")
}

func TestRateLimiterAvailableTokens(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxTokens:      3,
		RefillRate:     1,
		GenAIMaxTokens: 2,
	})

	require.Equal(t, float64(3), limiter.AvailableTokens(false))
	require.Equal(t, float64(2), limiter.AvailableTokens(true))

	limiter.TryAcquire(false)
	assert.InDelta(t, float64(2), limiter.AvailableTokens(false), 0.01)
}

func TestRateLimiterSetBackoffMultiplier(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		GenAIRefillRate:  0.1,
		GenAIMinInterval: 1000,
	})

	limiter.SetBackoffMultiplier(2)

	assert.InDelta(t, 0.05, limiter.genAIRefillRate, 1e-9)
	assert.Equal(t, int64(2000), int64(limiter.genAIMinInterval))
}

func TestRateLimiterResetToDefaults(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		RefillRate:       999,
		GenAIRefillRate:  999,
		MinInterval:      0,
		GenAIMinInterval: 0,
	})

	limiter.ResetToDefaults()

	defaults := DefaultRateLimiterConfig()
	assert.Equal(t, defaults.RefillRate, limiter.refillRate)
	assert.Equal(t, defaults.GenAIRefillRate, limiter.genAIRefillRate)
	assert.Equal(t, defaults.MinInterval, limiter.minInterval)
	assert.Equal(t, defaults.GenAIMinInterval, limiter.genAIMinInterval)
}
