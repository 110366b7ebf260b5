package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/juhinebhnani4/ldip/utils/cache"
)

// TaskType names one kind of unit of work the worker pool knows how to run.
type TaskType string

const (
	TaskProcessDocument     TaskType = "process_document"
	TaskOCRChunk            TaskType = "ocr_chunk"
	TaskStage               TaskType = "stage_task"
	TaskRecoverStaleJobs    TaskType = "recover_stale_jobs"
	TaskDispatchStuckQueued TaskType = "dispatch_stuck_queued_jobs"
	TaskSyncStaleJobStatus  TaskType = "sync_stale_job_status"
	TaskCleanupStaleChunks  TaskType = "cleanup_stale_chunks"
)

// Task is one envelope pulled off the durable queue. Payload is decoded
// according to Type by whichever worker pulled it.
type Task struct {
	Type    TaskType        `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StageTaskPayload is the payload for a TaskStage task.
type StageTaskPayload struct {
	JobID     string   `json:"job_id"`
	StageName string   `json:"stage_name"`
	Items     []string `json:"items,omitempty"`
	Force     bool     `json:"force"`
}

// ProcessDocumentPayload is the payload for a TaskProcessDocument task.
type ProcessDocumentPayload struct {
	DocumentID string `json:"document_id"`
}

// OCRChunkPayload is the payload for a TaskOCRChunk task.
type OCRChunkPayload struct {
	ChunkID uint `json:"chunk_id"`
}

// ErrQueueEmpty is returned by Pop when no task is available within the
// blocking timeout.
var ErrQueueEmpty = errors.New("task queue: no task available")

// TaskQueue is a Redis-list-backed FIFO: one list per task type, pushed
// with LPUSH and drained with a blocking RPOP. It is the durable queue
// referenced throughout the pipeline orchestrator and chunk coordinator;
// workers never talk to the pipeline components directly, only to this
// queue, so the ingress handler tier never blocks on pipeline work.
type TaskQueue struct {
	redis *cache.RedisCache
}

// NewTaskQueue wraps a Redis cache client as a durable task queue.
func NewTaskQueue(redis *cache.RedisCache) *TaskQueue {
	return &TaskQueue{redis: redis}
}

func queueKey(taskType TaskType) string {
	return fmt.Sprintf("queue:tasks:%s", taskType)
}

// Push enqueues a task immediately. Delayed dispatch goes through
// PushDelayed, which holds the task in-process until the delay elapses, so
// a delayed task is lost if the process restarts before then.
func (q *TaskQueue) Push(ctx context.Context, taskType TaskType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	task := Task{Type: taskType, Payload: data}
	encoded, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task envelope: %w", err)
	}
	return q.redis.LPush(ctx, queueKey(taskType), encoded)
}

// PushDelayed enqueues a task after sleeping for delay in a detached
// goroutine, used for the orchestrator's exponential-backoff re-dispatch
// and the recovery sweepers' 5s countdown re-dispatch.
func (q *TaskQueue) PushDelayed(ctx context.Context, taskType TaskType, payload interface{}, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if err := q.Push(context.Background(), taskType, payload); err != nil {
			fmt.Printf("[QUEUE] delayed push of %s failed: %v\n", taskType, err)
		}
	}()
}

// Pop blocks up to timeout waiting for a task of the given type.
func (q *TaskQueue) Pop(ctx context.Context, taskType TaskType, timeout time.Duration) (*Task, error) {
	values, err := q.redis.BRPop(ctx, timeout, queueKey(taskType))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("pop task: %w", err)
	}
	if len(values) < 2 {
		return nil, ErrQueueEmpty
	}

	var task Task
	if err := json.Unmarshal([]byte(values[1]), &task); err != nil {
		return nil, fmt.Errorf("decode task envelope: %w", err)
	}
	return &task, nil
}

// Depth returns the number of tasks currently queued for a task type.
func (q *TaskQueue) Depth(ctx context.Context, taskType TaskType) (int64, error) {
	return q.redis.LLen(ctx, queueKey(taskType))
}
