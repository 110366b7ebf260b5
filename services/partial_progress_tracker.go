package services

import (
	"context"
	"fmt"
	"time"

	"github.com/juhinebhnani4/ldip/model"
)

// flushBatchSize is how many newly-processed items accumulate before the
// tracker writes the stage checkpoint back to the job row. Losing up to
// this many items of work on a crash is acceptable because every item is
// idempotent to reprocess.
const flushBatchSize = 10

// StageTracker is the live, in-memory handle on one job's one stage of
// progress. It is hydrated from the job's persisted metadata and flushed
// back to it periodically, not on every item.
type StageTracker struct {
	JobID     string
	StageName string
	progress  model.StageProgress

	unflushedSinceFlush int
}

// IsDone reports whether itemID was already recorded as successfully
// processed, letting a retried stage skip it.
func (t *StageTracker) IsDone(itemID string) bool {
	return t.progress.DoneItems[itemID]
}

// MarkDone records itemID as successfully processed.
func (t *StageTracker) MarkDone(itemID string) {
	if t.progress.DoneItems == nil {
		t.progress.DoneItems = map[string]bool{}
	}
	delete(t.progress.FailedItems, itemID)
	t.progress.DoneItems[itemID] = true
	t.progress.ItemsCompleted = len(t.progress.DoneItems)
	t.unflushedSinceFlush++
}

// poisonPillThreshold is how many consecutive failures of the same error
// class on the same item FAILs the job outright without further retry.
const poisonPillThreshold = 3

// MarkFailed records itemID as having failed permanently for this stage
// run. It does not count toward ItemsCompleted. Returns true if this item
// has now failed with the same error class poisonPillThreshold times in a
// row, the signal the orchestrator uses to FAIL the job without another
// retry instead of rescheduling the stage again.
func (t *StageTracker) MarkFailed(itemID string, errClass string, err error) bool {
	if t.progress.FailedItems == nil {
		t.progress.FailedItems = map[string]string{}
	}
	if t.progress.FailureCounts == nil {
		t.progress.FailureCounts = map[string]int{}
	}
	if t.progress.LastErrorClass == nil {
		t.progress.LastErrorClass = map[string]string{}
	}

	if err != nil {
		t.progress.FailedItems[itemID] = err.Error()
	} else {
		t.progress.FailedItems[itemID] = "unknown error"
	}

	if t.progress.LastErrorClass[itemID] == errClass {
		t.progress.FailureCounts[itemID]++
	} else {
		t.progress.FailureCounts[itemID] = 1
		t.progress.LastErrorClass[itemID] = errClass
	}
	t.unflushedSinceFlush++

	return t.progress.FailureCounts[itemID] >= poisonPillThreshold
}

// Remaining filters allItems down to the ones not yet marked done.
func (t *StageTracker) Remaining(allItems []string) []string {
	t.progress.ItemsTotal = len(allItems)
	remaining := make([]string, 0, len(allItems))
	for _, item := range allItems {
		if !t.IsDone(item) {
			remaining = append(remaining, item)
		}
	}
	return remaining
}

// FailedItems returns the stage's permanently-failed item IDs and their
// error messages, used to populate stage.failed_items on the poison-pill
// path.
func (t *StageTracker) FailedItems() map[string]string {
	return t.progress.FailedItems
}

// Done reports whether every known item for the stage has completed.
func (t *StageTracker) Done() bool {
	return t.progress.Done()
}

// PartialProgressTracker persists StageTracker checkpoints into a job's
// metadata JSONB column via the Job Store, batching writes so a crash loses
// at most flushBatchSize items of already-idempotent work.
type PartialProgressTracker struct {
	jobs *JobStore
}

// NewPartialProgressTracker builds a tracker backed by the job store.
func NewPartialProgressTracker(jobs *JobStore) *PartialProgressTracker {
	return &PartialProgressTracker{jobs: jobs}
}

// GetOrCreate hydrates a StageTracker from the job's existing metadata, or
// starts a fresh one if the stage hasn't run before.
func (t *PartialProgressTracker) GetOrCreate(ctx context.Context, job *model.ProcessingJob, stageName string) (*StageTracker, error) {
	meta, err := model.ParseJobMetadata(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("parse job metadata: %w", err)
	}

	progress := model.StageProgress{}
	if meta.PartialProgress != nil {
		if existing, ok := meta.PartialProgress[stageName]; ok {
			progress = existing
		}
	}

	return &StageTracker{JobID: job.ID, StageName: stageName, progress: progress}, nil
}

// Flush persists the tracker's current checkpoint into the job's metadata.
// It is a no-op unless force is true or flushBatchSize items have
// accumulated since the last flush; stage completion must always call with
// force=true.
func (t *PartialProgressTracker) Flush(ctx context.Context, tracker *StageTracker, force bool) error {
	if !force && tracker.unflushedSinceFlush < flushBatchSize {
		return nil
	}

	job, err := t.jobs.GetByIDUnscoped(ctx, tracker.JobID)
	if err != nil {
		return fmt.Errorf("flush partial progress: %w", err)
	}

	meta, err := model.ParseJobMetadata(job.Metadata)
	if err != nil {
		return fmt.Errorf("parse job metadata: %w", err)
	}
	if meta.PartialProgress == nil {
		meta.PartialProgress = map[string]model.StageProgress{}
	}

	tracker.progress.LastFlushedAt = time.Now()
	meta.PartialProgress[tracker.StageName] = tracker.progress

	_, err = t.jobs.Update(ctx, tracker.JobID, model.JobPatch{Metadata: &meta})
	if err != nil {
		return fmt.Errorf("flush partial progress: %w", err)
	}

	tracker.unflushedSinceFlush = 0
	return nil
}

// Clear removes a stage's sub-map from the job's metadata, used to
// deliberately restart a stage from scratch (e.g. a manual retry-from-stage
// request).
func (t *PartialProgressTracker) Clear(ctx context.Context, jobID, stageName string) error {
	job, err := t.jobs.GetByIDUnscoped(ctx, jobID)
	if err != nil {
		return fmt.Errorf("clear partial progress: %w", err)
	}

	meta, err := model.ParseJobMetadata(job.Metadata)
	if err != nil {
		return fmt.Errorf("parse job metadata: %w", err)
	}
	if meta.PartialProgress != nil {
		delete(meta.PartialProgress, stageName)
	}

	_, err = t.jobs.Update(ctx, jobID, model.JobPatch{Metadata: &meta})
	if err != nil {
		return fmt.Errorf("clear partial progress: %w", err)
	}
	return nil
}
