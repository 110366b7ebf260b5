package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/juhinebhnani4/ldip/model"
)

// ErrCancelled is returned by RunStage when the job was cancelled (by the
// caller or concurrently by another request) mid-stage.
var ErrCancelled = errors.New("job cancelled")

// ErrPoisonPill is returned when the same item in the same stage has
// failed with the same error class poisonPillThreshold times. The
// orchestrator treats this as job-fatal: no further retry.
type ErrPoisonPill struct {
	Stage  string
	ItemID string
}

func (e *ErrPoisonPill) Error() string {
	return fmt.Sprintf("stage %s: item %s failed repeatedly with the same error, giving up", e.Stage, e.ItemID)
}

// StagePolicy governs what a stage does when an item permanently fails.
type StagePolicy int

const (
	// PolicyStrict aborts the whole stage on the first permanent item
	// failure.
	PolicyStrict StagePolicy = iota
	// PolicyTolerant records the failure and continues with the
	// remaining items, producing a partial result.
	PolicyTolerant
)

// StageHandler executes one item of one pipeline stage. The executor knows
// nothing about what a handler actually does; it only interprets the
// error it returns.
type StageHandler interface {
	Execute(ctx context.Context, job *model.ProcessingJob, itemID string) error
	Policy() StagePolicy
}

// heartbeatEvery is how many successfully processed items elapse between
// heartbeat writes, bounding write volume on long stages.
const heartbeatEvery = 5

// StageExecutor runs one pipeline stage for one job, consulting the
// partial-progress tracker to skip already-completed items and reporting
// progress through the job store (which in turn broadcasts it).
type StageExecutor struct {
	jobs     *JobStore
	tracker  *PartialProgressTracker
	handlers map[string]StageHandler
}

// NewStageExecutor wires a stage executor against the job store, partial
// progress tracker and the registry of pluggable per-stage handlers.
// Progress is broadcast by the job store itself on every relevant update,
// so the executor does not hold a broadcaster of its own.
func NewStageExecutor(jobs *JobStore, tracker *PartialProgressTracker, handlers map[string]StageHandler) *StageExecutor {
	return &StageExecutor{jobs: jobs, tracker: tracker, handlers: handlers}
}

// RunStage executes stageName against items for jobID. Returns ErrCancelled
// if the job was cancelled mid-run, ErrPoisonPill if an item's repeated
// failure makes the job fatal, or the last transient error encountered
// (the orchestrator interprets that as retry-with-backoff).
func (e *StageExecutor) RunStage(ctx context.Context, jobID, stageName string, items []string) error {
	handler, ok := e.handlers[stageName]
	if !ok {
		return fmt.Errorf("no stage handler registered for %q", stageName)
	}

	job, err := e.jobs.GetByIDUnscoped(ctx, jobID)
	if err != nil {
		return fmt.Errorf("run stage: %w", err)
	}

	if err := e.jobs.Heartbeat(ctx, jobID); err != nil {
		log.Printf("[STAGE] heartbeat failed for job %s: %v", jobID, err)
	}
	if err := e.jobs.AppendStageHistory(ctx, jobID, stageName, model.StageHistoryInProgress, ""); err != nil {
		log.Printf("[STAGE] append stage history failed for job %s: %v", jobID, err)
	}

	stageIndex := stageIndexOf(stageName)
	currentStage := stageName
	if _, err := e.jobs.Update(ctx, jobID, model.JobPatch{CurrentStage: &currentStage}); err != nil {
		return fmt.Errorf("run stage: %w", err)
	}

	tracker, err := e.tracker.GetOrCreate(ctx, job, stageName)
	if err != nil {
		return fmt.Errorf("run stage: %w", err)
	}

	remaining := tracker.Remaining(items)
	totalItems := len(items)

	if len(remaining) == 0 {
		return e.finishStage(ctx, jobID, stageName, tracker, stageIndex, model.StageHistoryCompleted, "")
	}

	processedSinceHeartbeat := 0
	var lastTransientErr error

	for _, item := range remaining {
		current, err := e.jobs.GetByIDUnscoped(ctx, jobID)
		if err != nil {
			return fmt.Errorf("run stage: %w", err)
		}
		if current.Status == model.JobStatusCancelled {
			_ = e.tracker.Flush(ctx, tracker, true)
			return ErrCancelled
		}

		handlerErr := handler.Execute(ctx, current, item)
		if handlerErr == nil {
			tracker.MarkDone(item)
			processedSinceHeartbeat++

			if err := e.tracker.Flush(ctx, tracker, false); err != nil {
				log.Printf("[STAGE] flush failed for job %s stage %s: %v", jobID, stageName, err)
			}
			if processedSinceHeartbeat >= heartbeatEvery {
				processedSinceHeartbeat = 0
				if err := e.jobs.Heartbeat(ctx, jobID); err != nil {
					log.Printf("[STAGE] heartbeat failed for job %s: %v", jobID, err)
				}
			}

			pct := stageProgressPct(stageIndex, job.TotalStages, tracker.progress.ItemsCompleted, totalItems)
			if _, err := e.jobs.Update(ctx, jobID, model.JobPatch{ProgressPct: &pct}); err != nil {
				log.Printf("[STAGE] progress update failed for job %s: %v", jobID, err)
			}
			continue
		}

		errClass, retryable := ClassifyError(handlerErr)
		if retryable {
			lastTransientErr = handlerErr
			if handler.Policy() == PolicyStrict {
				_ = e.tracker.Flush(ctx, tracker, true)
				return handlerErr
			}
			continue
		}

		poisoned := tracker.MarkFailed(item, string(errClass), handlerErr)
		if err := e.tracker.Flush(ctx, tracker, false); err != nil {
			log.Printf("[STAGE] flush failed for job %s stage %s: %v", jobID, stageName, err)
		}
		if poisoned {
			_ = e.tracker.Flush(ctx, tracker, true)
			return &ErrPoisonPill{Stage: stageName, ItemID: item}
		}
		if handler.Policy() == PolicyStrict {
			_ = e.tracker.Flush(ctx, tracker, true)
			return handlerErr
		}
	}

	if lastTransientErr != nil {
		return lastTransientErr
	}

	status := model.StageHistoryCompleted
	if len(tracker.FailedItems()) > 0 {
		status = model.StageHistoryCompleted // tolerant stages still complete with partial results
	}
	return e.finishStage(ctx, jobID, stageName, tracker, stageIndex, status, "")
}

func (e *StageExecutor) finishStage(ctx context.Context, jobID, stageName string, tracker *StageTracker, stageIndex int, status model.StageHistoryStatus, errMsg string) error {
	if err := e.tracker.Flush(ctx, tracker, true); err != nil {
		log.Printf("[STAGE] final flush failed for job %s stage %s: %v", jobID, stageName, err)
	}
	if err := e.jobs.AppendStageHistory(ctx, jobID, stageName, status, errMsg); err != nil {
		log.Printf("[STAGE] append stage history failed for job %s: %v", jobID, err)
	}

	job, err := e.jobs.GetByIDUnscoped(ctx, jobID)
	if err != nil {
		return fmt.Errorf("finish stage: %w", err)
	}
	completedStages := job.CompletedStages + 1
	ceiling := stageCeilingPct(stageIndex, job.TotalStages)

	_, err = e.jobs.Update(ctx, jobID, model.JobPatch{
		CompletedStages: &completedStages,
		ProgressPct:     &ceiling,
	})
	return err
}

func stageIndexOf(stageName string) int {
	for i, s := range model.DocumentProcessingStages {
		if s == stageName {
			return i
		}
	}
	return 0
}

func stageCeilingPct(stageIndex, totalStages int) int {
	if totalStages == 0 {
		return 100
	}
	return (stageIndex + 1) * 100 / totalStages
}

func stageProgressPct(stageIndex, totalStages, completedItems, totalItems int) int {
	if totalStages == 0 {
		return 100
	}
	floor := stageIndex * 100 / totalStages
	ceiling := stageCeilingPct(stageIndex, totalStages)
	if totalItems == 0 {
		return ceiling
	}
	fraction := float64(completedItems) / float64(totalItems)
	return floor + int(float64(ceiling-floor)*fraction)
}
