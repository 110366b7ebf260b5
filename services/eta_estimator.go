package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juhinebhnani4/ldip/config"
	"github.com/juhinebhnani4/ldip/utils/cache"
)

const (
	etaHistoryKey = "metrics:processing_time:history"
	etaAvgKey     = "metrics:processing_time:avg"
	etaAvgTTL     = 60 * time.Second
)

// Confidence bands the ETA estimate by how many samples back the rolling
// average.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ETAResult is the band around a single point estimate returned by Eta.
type ETAResult struct {
	MinSeconds  float64    `json:"min_seconds"`
	BestSeconds float64    `json:"best_seconds"`
	MaxSeconds  float64    `json:"max_seconds"`
	Confidence  Confidence `json:"confidence"`
}

// PendingDoc is the minimal shape the estimator needs from a pending
// document.
type PendingDoc struct {
	PageCount int
}

// ETAEstimator keeps a rolling window of recent (page_count, time_ms)
// samples in the hot store and derives a weighted-by-pages
// seconds-per-page estimate, confidence-banded by sample count.
type ETAEstimator struct {
	redis              *cache.RedisCache
	windowSize         int64
	fallbackSecPerPage float64
	highConfidenceN    int
	activeWorkers      func() int
}

// NewETAEstimator wires the estimator against the hot store, with a
// callback for the current active-worker count (falls back to 2 if the
// callback is nil or returns <= 0).
func NewETAEstimator(redis *cache.RedisCache, cfg *config.EnviornmentVariable, activeWorkers func() int) *ETAEstimator {
	windowSize := int64(cfg.ETA_WINDOW_SIZE)
	if windowSize <= 0 {
		windowSize = 100
	}
	fallback := cfg.ETA_FALLBACK_SEC_PER_PAGE
	if fallback <= 0 {
		fallback = 3.0
	}
	highN := cfg.ETA_MIN_HIGH_CONFIDENCE_SAMPLES
	if highN <= 0 {
		highN = 10
	}
	return &ETAEstimator{redis: redis, windowSize: windowSize, fallbackSecPerPage: fallback, highConfidenceN: highN, activeWorkers: activeWorkers}
}

// Record pushes a new (page_count, time_ms) sample to the head of the
// rolling history, trims it to windowSize, and invalidates the cached
// average.
func (e *ETAEstimator) Record(ctx context.Context, pageCount int, timeMs int64) error {
	entry := fmt.Sprintf("%d:%d", pageCount, timeMs)
	if err := e.redis.LPush(ctx, etaHistoryKey, entry); err != nil {
		return fmt.Errorf("record eta sample: %w", err)
	}
	client := e.redis.GetClient()
	if err := client.LTrim(ctx, etaHistoryKey, 0, e.windowSize-1).Err(); err != nil {
		return fmt.Errorf("record eta sample: trim: %w", err)
	}
	if err := e.redis.Delete(ctx, etaAvgKey); err != nil {
		return fmt.Errorf("record eta sample: invalidate avg: %w", err)
	}
	return nil
}

// weightedAvg returns the pages-weighted average seconds-per-page and the
// sample count it was computed from, using the 60s-TTL cached value when
// present.
func (e *ETAEstimator) weightedAvg(ctx context.Context) (float64, int, error) {
	if cached, err := e.redis.Get(ctx, etaAvgKey); err == nil {
		parts := strings.SplitN(cached, ":", 2)
		if len(parts) == 2 {
			avg, aerr := strconv.ParseFloat(parts[0], 64)
			count, cerr := strconv.Atoi(parts[1])
			if aerr == nil && cerr == nil {
				return avg, count, nil
			}
		}
	}

	client := e.redis.GetClient()
	entries, err := client.LRange(ctx, etaHistoryKey, 0, e.windowSize-1).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("weighted avg: %w", err)
	}
	if len(entries) == 0 {
		return e.fallbackSecPerPage, 0, nil
	}

	var totalPages, totalMs int64
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		pages, perr := strconv.ParseInt(parts[0], 10, 64)
		ms, merr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || merr != nil || pages <= 0 {
			continue
		}
		totalPages += pages
		totalMs += ms
	}
	if totalPages == 0 {
		return e.fallbackSecPerPage, 0, nil
	}

	avg := (float64(totalMs) / 1000) / float64(totalPages)
	n := len(entries)

	_ = e.redis.Set(ctx, etaAvgKey, fmt.Sprintf("%f:%d", avg, n), etaAvgTTL)
	return avg, n, nil
}

// Eta predicts how long pendingDocs will take to finish processing.
func (e *ETAEstimator) Eta(ctx context.Context, pendingDocs []PendingDoc) (*ETAResult, error) {
	totalPages := 0
	for _, d := range pendingDocs {
		totalPages += d.PageCount
	}
	if totalPages == 0 {
		return &ETAResult{MinSeconds: 0, BestSeconds: 0, MaxSeconds: 0, Confidence: ConfidenceHigh}, nil
	}

	avgSecPerPage, n, err := e.weightedAvg(ctx)
	if err != nil {
		return nil, fmt.Errorf("eta: %w", err)
	}

	workers := 2
	if e.activeWorkers != nil {
		if w := e.activeWorkers(); w > 0 {
			workers = w
		}
	}
	if workers < 1 {
		workers = 1
	}

	base := float64(totalPages) * avgSecPerPage / float64(workers)

	var confidence Confidence
	var factor float64
	switch {
	case n >= e.highConfidenceN:
		confidence, factor = ConfidenceHigh, 1.3
	case n >= 5:
		confidence, factor = ConfidenceMedium, 1.5
	default:
		confidence, factor = ConfidenceLow, 2.0
	}

	min := base / factor
	if min < 30 {
		min = 30
	}
	best := base
	if best < min {
		best = min
	}
	max := best * factor
	if max < best {
		max = best
	}

	return &ETAResult{MinSeconds: min, BestSeconds: best, MaxSeconds: max, Confidence: confidence}, nil
}
