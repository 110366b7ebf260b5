package external

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/juhinebhnani4/ldip/utils/cache"
)

// ProgressEvent is one job progress update broadcast on a matter's realtime
// channel.
type ProgressEvent struct {
	JobID        string `json:"job_id"`
	MatterID     string `json:"matter_id"`
	DocumentID   string `json:"document_id,omitempty"`
	Status       string `json:"status"`
	Stage        string `json:"current_stage"`
	ProgressPct  int    `json:"progress_pct"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Broadcaster publishes job progress updates for delivery to any number of
// connected SSE clients, decoupling the stage executor (which only knows it
// finished a unit of work) from the HTTP layer (which owns the connections).
// Delivery is best-effort; the Job Store remains the source of truth.
type Broadcaster interface {
	Publish(ctx context.Context, event ProgressEvent) error
	Channel(matterID string) string
	Subscribe(ctx context.Context, matterID string) (<-chan ProgressEvent, func())
}

// RedisBroadcaster publishes progress events on a per-matter Redis pub/sub
// channel. Fiber handlers subscribe to the channel for the lifetime of an
// SSE connection.
type RedisBroadcaster struct {
	redis *cache.RedisCache
}

// NewRedisBroadcaster wraps a Redis cache client for progress broadcast.
func NewRedisBroadcaster(redis *cache.RedisCache) *RedisBroadcaster {
	return &RedisBroadcaster{redis: redis}
}

// Channel returns the pub/sub channel name for a matter's progress stream.
func (b *RedisBroadcaster) Channel(matterID string) string {
	return fmt.Sprintf("matter:%s:progress", matterID)
}

// Publish serializes the event and publishes it on the matter's channel. A
// publish with no subscribers is a no-op, not an error.
func (b *RedisBroadcaster) Publish(ctx context.Context, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return b.redis.Publish(ctx, b.Channel(event.MatterID), data)
}

// Subscribe opens a pub/sub subscription on a matter's progress channel and
// decodes every message into a ProgressEvent on the returned channel. The
// returned cancel func closes the subscription; callers must call it when
// the SSE connection ends or the goroutine feeding the channel leaks.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, matterID string) (<-chan ProgressEvent, func()) {
	pubsub := b.redis.Subscribe(ctx, b.Channel(matterID))
	events := make(chan ProgressEvent)

	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var event ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, func() { pubsub.Close() }
}
