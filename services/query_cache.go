package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/juhinebhnani4/ldip/model"
	"github.com/juhinebhnani4/ldip/utils/cache"
)

// queryCacheTTL is how long a positive cache entry lives before it must be
// recomputed.
const queryCacheTTL = time.Hour

// negativeCacheTTL is how long a recorded cache miss is remembered, short
// enough that genuinely new data isn't masked for long but long enough to
// blunt a cache-stampede of repeated misses on the same query.
const negativeCacheTTL = 60 * time.Second

// negativeCacheSentinel is stored for a recorded miss; any other value is
// a genuine cached hit.
const negativeCacheSentinel = "__miss__"

// QueryCache is a per-matter, fixed-TTL cache over query results, keyed by
// a hash of the normalized query plus the matter id. Any document-state
// change or new-document insert for a matter invalidates every cache entry
// for that matter via a wildcard delete.
type QueryCache struct {
	redis *cache.RedisCache
}

// NewQueryCache wraps a Redis cache client as the query cache.
func NewQueryCache(redis *cache.RedisCache) *QueryCache {
	return &QueryCache{redis: redis}
}

func queryCacheKey(matterID model.MatterID, query string) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("qcache:%s:%s", matterID, hex.EncodeToString(sum[:])[:32])
}

// Get returns a cached result for (matterID, query). The second return
// value is false on a genuine miss (nothing cached, or the cached entry is
// a recorded negative) so callers always recompute and re-cache on a
// false return, matching a normal cache miss code path.
func (c *QueryCache) Get(ctx context.Context, matterID model.MatterID, query string, dest interface{}) (bool, error) {
	raw, err := c.redis.Get(ctx, queryCacheKey(matterID, query))
	if err == cache.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query cache get: %w", err)
	}
	if raw == negativeCacheSentinel {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("query cache decode: %w", err)
	}
	return true, nil
}

// Set caches a positive result for queryCacheTTL.
func (c *QueryCache) Set(ctx context.Context, matterID model.MatterID, query string, value interface{}) error {
	return c.redis.SetJSON(ctx, queryCacheKey(matterID, query), value, queryCacheTTL)
}

// SetMiss records a negative-cache entry for negativeCacheTTL, avoiding a
// cache-stampede on a query that keeps missing (e.g. a not-yet-indexed
// document) without masking genuinely new data for long.
func (c *QueryCache) SetMiss(ctx context.Context, matterID model.MatterID, query string) error {
	return c.redis.Set(ctx, queryCacheKey(matterID, query), negativeCacheSentinel, negativeCacheTTL)
}

// InvalidateMatter wildcard-deletes every cache entry for a matter. Called
// on any document-state change or new document insert.
func (c *QueryCache) InvalidateMatter(ctx context.Context, matterID model.MatterID) {
	keys, err := c.redis.Keys(ctx, fmt.Sprintf("qcache:%s:*", matterID))
	if err != nil {
		log.Printf("[CACHE] invalidate matter %s: list keys failed: %v", matterID, err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.redis.Delete(ctx, keys...); err != nil {
		log.Printf("[CACHE] invalidate matter %s: delete failed: %v", matterID, err)
	}
}

// recoveryStatsCacheTTL is the TTL for the memoized /jobs/recovery/stats
// scan, avoiding a full table scan on every poll of a dashboard.
const recoveryStatsCacheTTL = 30 * time.Second

// GetRecoveryStats returns a memoized recovery-stats scan if still fresh.
func (c *QueryCache) GetRecoveryStats(ctx context.Context, dest interface{}) (bool, error) {
	err := c.redis.GetJSON(ctx, "qcache:_recovery_stats", dest)
	if err == cache.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get recovery stats cache: %w", err)
	}
	return true, nil
}

// SetRecoveryStats memoizes a recovery-stats scan for recoveryStatsCacheTTL.
func (c *QueryCache) SetRecoveryStats(ctx context.Context, value interface{}) error {
	return c.redis.SetJSON(ctx, "qcache:_recovery_stats", value, recoveryStatsCacheTTL)
}
