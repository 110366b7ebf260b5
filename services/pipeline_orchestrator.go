package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math"
	"math/big"
	"time"

	"github.com/juhinebhnani4/ldip/model"
)

// backoffBase and backoffMax bound the exponential-with-full-jitter
// schedule used to re-dispatch a job after a retryable stage failure.
const (
	backoffBase = 5 * time.Second
	backoffMax  = 10 * time.Minute
)

// ErrDocumentBusy is returned by Start when the document's latest job is
// not yet terminal; only a recovery sweeper is allowed to override this.
var ErrDocumentBusy = errors.New("document has a non-terminal job in flight")

// PipelineOrchestrator selects the next stage for a document, dispatches
// stage tasks onto the durable queue, and reacts to stage completion or
// failure with retry/backoff or a terminal FAILED transition. It never
// blocks on the stage itself: all it does is read/write job state and
// push onto the queue.
type PipelineOrchestrator struct {
	jobs      *JobStore
	documents *DocumentStore
	queue     *TaskQueue
	executor  *StageExecutor
	chunks    *OCRChunkCoordinator
	cache     *QueryCache
	eta       *ETAEstimator
}

// NewPipelineOrchestrator wires the orchestrator. eta may be nil, in which
// case jobs are dispatched without an estimated_completion and no duration
// samples are recorded.
func NewPipelineOrchestrator(jobs *JobStore, documents *DocumentStore, queue *TaskQueue, executor *StageExecutor, chunks *OCRChunkCoordinator, cache *QueryCache, eta *ETAEstimator) *PipelineOrchestrator {
	return &PipelineOrchestrator{jobs: jobs, documents: documents, queue: queue, executor: executor, chunks: chunks, cache: cache, eta: eta}
}

// Start creates a DOCUMENT_PROCESSING job for a document and dispatches its
// first stage, refusing to do so if the document already has a
// non-terminal job unless isRecovery is set (recovery sweepers are allowed
// to re-dispatch a stuck document).
func (o *PipelineOrchestrator) Start(ctx context.Context, matterID model.MatterID, documentID string, isRecovery bool) (*model.ProcessingJob, error) {
	if !isRecovery {
		latest, err := o.jobs.LatestJobForDocument(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("start pipeline: %w", err)
		}
		if latest != nil && !latest.Status.IsTerminal() {
			return nil, ErrDocumentBusy
		}
	}

	job, err := o.jobs.Create(ctx, matterID, &documentID, model.JobTypeDocumentProcessing, model.JobMetadata{})
	if err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}

	if err := o.documents.UpdateStatus(ctx, documentID, model.DocumentStatusProcessing, &job.ID); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	o.cache.InvalidateMatter(ctx, matterID)

	if err := o.dispatchFirstStage(ctx, job); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}

	return job, nil
}

func (o *PipelineOrchestrator) dispatchFirstStage(ctx context.Context, job *model.ProcessingJob) error {
	status := model.JobStatusProcessing
	startedAt := time.Now()
	patch := model.JobPatch{Status: &status, StartedAt: &startedAt}

	if eta := o.estimateCompletion(ctx, job); eta != nil {
		patch.EstimatedCompletion = eta
	}

	if _, err := o.jobs.Update(ctx, job.ID, patch); err != nil {
		return err
	}
	return o.queue.Push(ctx, TaskStage, StageTaskPayload{JobID: job.ID, StageName: model.DocumentProcessingStages[0]})
}

// estimateCompletion predicts the wall-clock time a job's document will
// finish processing at, or nil if the ETA estimator isn't wired or the
// document's page count isn't known yet.
func (o *PipelineOrchestrator) estimateCompletion(ctx context.Context, job *model.ProcessingJob) *time.Time {
	if o.eta == nil || job.DocumentID == nil {
		return nil
	}
	doc, err := o.documents.GetUnscoped(ctx, *job.DocumentID)
	if err != nil || doc.PageCount <= 0 {
		return nil
	}
	result, err := o.eta.Eta(ctx, []PendingDoc{{PageCount: doc.PageCount}})
	if err != nil {
		return nil
	}
	completion := time.Now().Add(time.Duration(result.BestSeconds) * time.Second)
	return &completion
}

// RunNextStage is invoked by the worker pool after pulling a stage_task off
// the queue. It resolves the item list for the stage, runs it through the
// stage executor, and reacts to the outcome.
func (o *PipelineOrchestrator) RunNextStage(ctx context.Context, payload StageTaskPayload) error {
	job, err := o.jobs.GetByIDUnscoped(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("run next stage: %w", err)
	}
	if job.Status.IsTerminal() {
		return nil
	}

	items, err := o.itemsForStage(ctx, job, payload.StageName)
	if err != nil {
		return o.OnStageFailure(ctx, job.ID, err, false)
	}

	if payload.StageName == "ocr" {
		doc, derr := o.documents.GetUnscoped(ctx, *job.DocumentID)
		if derr != nil {
			return o.OnStageFailure(ctx, job.ID, derr, false)
		}
		if o.chunks.ShouldFanOut(doc.PageCount) {
			return o.chunks.Plan(ctx, job, doc)
		}
	}

	runErr := o.executor.RunStage(ctx, job.ID, payload.StageName, items)
	if runErr == nil {
		return o.OnStageComplete(ctx, job.ID)
	}
	if errors.Is(runErr, ErrCancelled) {
		return nil
	}

	var poison *ErrPoisonPill
	if errors.As(runErr, &poison) {
		return o.OnStageFailure(ctx, job.ID, runErr, false)
	}

	_, retryable := ClassifyError(runErr)
	return o.OnStageFailure(ctx, job.ID, runErr, retryable)
}

func (o *PipelineOrchestrator) itemsForStage(ctx context.Context, job *model.ProcessingJob, stageName string) ([]string, error) {
	documentID := ""
	if job.DocumentID != nil {
		documentID = *job.DocumentID
	}

	switch stageName {
	case "ocr", "validation", "alias_resolution", "timeline":
		return []string{documentID}, nil
	case "chunking":
		return []string{documentID}, nil
	case "embedding", "entity_extraction":
		return ChunkIDsForDocument(job, documentID)
	default:
		return nil, fmt.Errorf("unknown stage %q", stageName)
	}
}

// OnStageComplete finds the next stage in the pipeline and dispatches it,
// or marks the job COMPLETED if the stage that just finished was the last
// one.
func (o *PipelineOrchestrator) OnStageComplete(ctx context.Context, jobID string) error {
	job, err := o.jobs.GetByIDUnscoped(ctx, jobID)
	if err != nil {
		return fmt.Errorf("on stage complete: %w", err)
	}

	nextIndex := job.CompletedStages
	if nextIndex >= len(model.DocumentProcessingStages) {
		return o.completeJob(ctx, job)
	}

	nextStage := model.DocumentProcessingStages[nextIndex]
	return o.queue.Push(ctx, TaskStage, StageTaskPayload{JobID: job.ID, StageName: nextStage})
}

func (o *PipelineOrchestrator) completeJob(ctx context.Context, job *model.ProcessingJob) error {
	status := model.JobStatusCompleted
	pct := 100
	if _, err := o.jobs.Update(ctx, job.ID, model.JobPatch{Status: &status, ProgressPct: &pct}); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if job.DocumentID != nil {
		if err := o.documents.UpdateStatus(ctx, *job.DocumentID, model.DocumentStatusReady, &job.ID); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
	}
	o.recordDuration(ctx, job)
	o.cache.InvalidateMatter(ctx, model.MatterID(job.MatterID))
	return nil
}

// recordDuration feeds the job's actual (page_count, elapsed) sample back
// into the ETA estimator so later jobs' predictions sharpen over time.
func (o *PipelineOrchestrator) recordDuration(ctx context.Context, job *model.ProcessingJob) {
	if o.eta == nil || job.DocumentID == nil || job.StartedAt == nil {
		return
	}
	doc, err := o.documents.GetUnscoped(ctx, *job.DocumentID)
	if err != nil || doc.PageCount <= 0 {
		return
	}
	elapsedMs := time.Since(*job.StartedAt).Milliseconds()
	if err := o.eta.Record(ctx, doc.PageCount, elapsedMs); err != nil {
		log.Printf("[ORCHESTRATOR] record eta sample for job %s: %v", job.ID, err)
	}
}

// OnStageFailure decides whether to retry a stage with exponential
// backoff or to fail the job outright. retryable is false for poison-pill
// and permanent errors.
func (o *PipelineOrchestrator) OnStageFailure(ctx context.Context, jobID string, cause error, retryable bool) error {
	job, err := o.jobs.GetByIDUnscoped(ctx, jobID)
	if err != nil {
		return fmt.Errorf("on stage failure: %w", err)
	}

	if retryable && job.RetryCount < job.MaxRetries {
		retryCount := job.RetryCount + 1
		msg := cause.Error()
		if _, err := o.jobs.Update(ctx, jobID, model.JobPatch{RetryCount: &retryCount, ErrorMessage: &msg}); err != nil {
			return fmt.Errorf("on stage failure: %w", err)
		}
		delay := backoffWithFullJitter(retryCount)
		o.queue.PushDelayed(ctx, TaskStage, StageTaskPayload{JobID: jobID, StageName: job.CurrentStage}, delay)
		return nil
	}

	return o.failJob(ctx, job, cause)
}

func (o *PipelineOrchestrator) failJob(ctx context.Context, job *model.ProcessingJob, cause error) error {
	status := model.JobStatusFailed
	msg := cause.Error()
	if _, err := o.jobs.Update(ctx, job.ID, model.JobPatch{Status: &status, ErrorMessage: &msg}); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if job.DocumentID != nil {
		if err := o.documents.UpdateStatus(ctx, *job.DocumentID, model.DocumentStatusFailed, &job.ID); err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
	}
	o.cache.InvalidateMatter(ctx, model.MatterID(job.MatterID))
	log.Printf("[ORCHESTRATOR] job %s failed: %v", job.ID, cause)
	return nil
}

// Cancel marks a job CANCELLED. Workers check for this between items
// (§4.E); it is cooperative, not forcible.
func (o *PipelineOrchestrator) Cancel(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	status := model.JobStatusCancelled
	job, err := o.jobs.Update(ctx, jobID, model.JobPatch{Status: &status})
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	o.cache.InvalidateMatter(ctx, model.MatterID(job.MatterID))
	return job, nil
}

// Skip marks a job SKIPPED. Idempotent: skipping an already-skipped job is
// a no-op.
func (o *PipelineOrchestrator) Skip(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	job, err := o.jobs.GetByIDUnscoped(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("skip job: %w", err)
	}
	if job.Status == model.JobStatusSkipped {
		return job, nil
	}
	status := model.JobStatusSkipped
	job, err = o.jobs.Update(ctx, jobID, model.JobPatch{Status: &status})
	if err != nil {
		return nil, fmt.Errorf("skip job: %w", err)
	}
	o.cache.InvalidateMatter(ctx, model.MatterID(job.MatterID))
	return job, nil
}

// Retry re-queues a FAILED or CANCELLED job. When restart is true, the
// current stage's partial progress is cleared first, forcing a
// from-scratch re-run of that stage; otherwise progress for the current
// stage is kept and the retry resumes where it left off.
func (o *PipelineOrchestrator) Retry(ctx context.Context, jobID string, resetRetryCount, restart bool, tracker *PartialProgressTracker) (*model.ProcessingJob, error) {
	job, err := o.jobs.GetByIDUnscoped(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}

	if restart {
		if err := tracker.Clear(ctx, jobID, job.CurrentStage); err != nil {
			return nil, fmt.Errorf("retry job: %w", err)
		}
	}

	status := model.JobStatusQueued
	emptyMsg := ""
	patch := model.JobPatch{Status: &status, ErrorMessage: &emptyMsg, ClearCompletedAt: true}
	if resetRetryCount {
		zero := 0
		patch.RetryCount = &zero
	}

	job, err = o.jobs.Update(ctx, jobID, patch)
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}

	stage := job.CurrentStage
	if stage == "" {
		stage = model.DocumentProcessingStages[0]
	}
	if err := o.queue.Push(ctx, TaskStage, StageTaskPayload{JobID: jobID, StageName: stage}); err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}
	return job, nil
}

// backoffWithFullJitter implements min(max, base*2^attempt) with full
// jitter: a uniform random draw between 0 and the computed ceiling.
func backoffWithFullJitter(attempt int) time.Duration {
	ceiling := float64(backoffBase) * math.Pow(2, float64(attempt))
	if ceiling > float64(backoffMax) {
		ceiling = float64(backoffMax)
	}
	if ceiling <= 0 {
		return backoffBase
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(ceiling)))
	if err != nil {
		return time.Duration(ceiling)
	}
	return time.Duration(n.Int64())
}
