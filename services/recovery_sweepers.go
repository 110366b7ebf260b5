package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/juhinebhnani4/ldip/config"
	"github.com/juhinebhnani4/ldip/external"
	"github.com/juhinebhnani4/ldip/model"
	"gorm.io/gorm"
)

// SweepSummary is the {checked, recovered|dispatched|synced|deleted,
// errors[]} shape every sweeper emits and persists as a CronJobLog row.
type SweepSummary struct {
	Checked int      `json:"checked"`
	Acted   int      `json:"acted"`
	Errors  []string `json:"errors,omitempty"`
}

// RecoverySweepers is the collection of four periodic maintenance tasks
// that mend job/document state drift the normal pipeline can't see on its
// own: a crashed worker, a task queue that silently dropped a dispatch, a
// stage that ran standalone and left the job row behind reality, and OCR
// chunk artifacts nobody will ever read again.
type RecoverySweepers struct {
	db        *gorm.DB
	jobs      *JobStore
	documents *DocumentStore
	chunks    *OCRChunkStore
	blob      external.Blob
	queue     *TaskQueue
	cfg       *config.EnviornmentVariable
}

// NewRecoverySweepers wires the sweeper suite.
func NewRecoverySweepers(db *gorm.DB, jobs *JobStore, documents *DocumentStore, chunks *OCRChunkStore, blob external.Blob, queue *TaskQueue, cfg *config.EnviornmentVariable) *RecoverySweepers {
	return &RecoverySweepers{db: db, jobs: jobs, documents: documents, chunks: chunks, blob: blob, queue: queue, cfg: cfg}
}

func (s *RecoverySweepers) logRun(ctx context.Context, name string, started time.Time, summary SweepSummary, runErr error) {
	completed := time.Now()
	meta, _ := json.Marshal(summary)
	status := "completed"
	errMsg := ""
	if runErr != nil {
		status = "failed"
		errMsg = runErr.Error()
	}

	entry := model.CronJobLog{
		JobName:     name,
		Status:      status,
		StartedAt:   started,
		CompletedAt: &completed,
		Duration:    int(completed.Sub(started).Milliseconds()),
		Message:     fmt.Sprintf("checked=%d acted=%d", summary.Checked, summary.Acted),
		ErrorMsg:    errMsg,
		Metadata:    string(meta),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		log.Printf("[RECOVERY] failed to log sweep %s: %v", name, err)
	}
}

// RecoverStaleJobs is sweeper (1): finds jobs stuck PROCESSING past
// stale_timeout and either retries them (incrementing recovery_attempts)
// or, past max_recovery_retries, FAILs them outright.
func (s *RecoverySweepers) RecoverStaleJobs(ctx context.Context) SweepSummary {
	started := time.Now()
	summary := SweepSummary{}
	if !s.cfg.JOB_RECOVERY_ENABLED {
		s.logRun(ctx, "recover_stale_jobs", started, summary, nil)
		return summary
	}

	cutoff := time.Now().Add(-time.Duration(s.cfg.JOB_STALE_TIMEOUT_MINUTES) * time.Minute)

	// A job stuck PROCESSING is frequently a worker that died holding a
	// leased OCR chunk; reclaim those leases in the same pass so the
	// re-dispatched job doesn't just re-lease the same abandoned chunks
	// after ocrChunkLeaseTTL quietly expires on its own.
	if _, err := s.chunks.ReclaimExpired(ctx, time.Now().Add(-ocrChunkLeaseTTL)); err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}

	jobs, err := s.jobs.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		s.logRun(ctx, "recover_stale_jobs", started, summary, err)
		return summary
	}
	summary.Checked = len(jobs)

	for _, job := range jobs {
		acted, err := s.recoverJob(ctx, job)
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		if acted {
			summary.Acted++
		}
	}

	s.logRun(ctx, "recover_stale_jobs", started, summary, nil)
	return summary
}

// recoverJob applies the stale-PROCESSING recovery decision to a single
// job: FAIL past max_recovery_retries, otherwise reset to QUEUED and
// re-dispatch its current stage. Guards with a compare-and-swap so a
// sweeper never clobbers a job a live worker already moved off
// PROCESSING.
func (s *RecoverySweepers) recoverJob(ctx context.Context, job model.ProcessingJob) (bool, error) {
	swapped, err := s.jobs.CompareAndSwapStatus(ctx, job.ID, model.JobStatusProcessing, model.JobStatusProcessing)
	if err != nil {
		return false, err
	}
	if !swapped {
		return false, nil // a live worker moved it on since we listed it
	}

	meta, err := model.ParseJobMetadata(job.Metadata)
	if err != nil {
		return false, err
	}

	if meta.RecoveryAttempts >= s.cfg.JOB_MAX_RECOVERY_RETRIES {
		msg := fmt.Sprintf("Job failed after %d recovery attempts", meta.RecoveryAttempts)
		status := model.JobStatusFailed
		if _, err := s.jobs.Update(ctx, job.ID, model.JobPatch{Status: &status, ErrorMessage: &msg}); err != nil {
			return false, err
		}
		if job.DocumentID != nil {
			_ = s.documents.UpdateStatus(ctx, *job.DocumentID, model.DocumentStatusFailed, &job.ID)
		}
		return true, nil
	}

	now := time.Now()
	meta.RecoveryAttempts++
	meta.LastRecoveryAt = &now
	meta.RecoveredFromStage = job.CurrentStage

	queuedStatus := model.JobStatusQueued
	emptyMsg := ""
	patch := model.JobPatch{Status: &queuedStatus, ErrorMessage: &emptyMsg, Metadata: &meta}
	if _, err := s.jobs.Update(ctx, job.ID, patch); err != nil {
		return false, err
	}
	if job.DocumentID != nil {
		_ = s.documents.UpdateStatus(ctx, *job.DocumentID, model.DocumentStatusUploaded, nil)
	}

	stage := job.CurrentStage
	if stage == "" {
		stage = model.DocumentProcessingStages[0]
	}
	s.queue.PushDelayed(ctx, TaskStage, StageTaskPayload{JobID: job.ID, StageName: stage}, 5*time.Second)
	return true, nil
}

// RecoverOne applies the same recovery decision RecoverStaleJobs makes,
// but against a single job regardless of whether it is currently stale
// enough for the cron-scheduled sweep to have picked it up — used by the
// POST /jobs/recovery/{id} endpoint to let an operator force a recovery
// attempt immediately.
func (s *RecoverySweepers) RecoverOne(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	job, err := s.jobs.GetByIDUnscoped(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("recover job: %w", err)
	}
	if job.Status != model.JobStatusProcessing {
		return job, nil
	}
	if _, err := s.recoverJob(ctx, *job); err != nil {
		return nil, fmt.Errorf("recover job: %w", err)
	}
	return s.jobs.GetByIDUnscoped(ctx, jobID)
}

// Configuration reports the sweeper thresholds currently in effect, the
// shape GET /jobs/recovery/stats surfaces alongside the live counts.
func (s *RecoverySweepers) Configuration() map[string]interface{} {
	return map[string]interface{}{
		"stale_timeout_minutes": s.cfg.JOB_STALE_TIMEOUT_MINUTES,
		"max_recovery_retries":  s.cfg.JOB_MAX_RECOVERY_RETRIES,
		"recovery_enabled":      s.cfg.JOB_RECOVERY_ENABLED,
	}
}

// CountRecoveredSince sums the acted count across every recover_stale_jobs
// sweep log since the given time, used for the recovery-stats endpoint's
// recovered_last_hour figure.
func (s *RecoverySweepers) CountRecoveredSince(ctx context.Context, since time.Time) (int, error) {
	var logs []model.CronJobLog
	if err := s.db.WithContext(ctx).Where("job_name = ? AND started_at >= ?", "recover_stale_jobs", since).Find(&logs).Error; err != nil {
		return 0, fmt.Errorf("count recovered jobs: %w", err)
	}
	total := 0
	for _, entry := range logs {
		var summary SweepSummary
		if err := json.Unmarshal([]byte(entry.Metadata), &summary); err != nil {
			continue
		}
		total += summary.Acted
	}
	return total, nil
}

// DispatchStuckQueuedJobs is sweeper (2): finds jobs stuck QUEUED past
// stuck_queued_timeout and re-dispatches the appropriate task.
func (s *RecoverySweepers) DispatchStuckQueuedJobs(ctx context.Context) SweepSummary {
	started := time.Now()
	summary := SweepSummary{}

	cutoff := time.Now().Add(-time.Duration(s.cfg.STUCK_QUEUED_TIMEOUT_MINUTES) * time.Minute)
	jobs, err := s.jobs.ListStuckQueued(ctx, cutoff)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		s.logRun(ctx, "dispatch_stuck_queued_jobs", started, summary, err)
		return summary
	}
	summary.Checked = len(jobs)

	for _, job := range jobs {
		stage := job.CurrentStage
		if stage == "" {
			stage = model.DocumentProcessingStages[0]
		}

		if err := s.queue.Push(ctx, TaskStage, StageTaskPayload{JobID: job.ID, StageName: stage}); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		now := time.Now()
		if _, err := s.jobs.Update(ctx, job.ID, model.JobPatch{HeartbeatAt: &now}); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.Acted++
	}

	s.logRun(ctx, "dispatch_stuck_queued_jobs", started, summary, nil)
	return summary
}

// driftInference maps inferred downstream state to a stage name and its
// progress ceiling.
type driftInference struct {
	stage string
	pct   int
}

// SyncStaleJobStatus is sweeper (3), the status-drift reconciler: for
// jobs stale in {QUEUED, PROCESSING}, infers the actual stage from
// downstream state and writes it back, unless stage_history shows the
// inferred stage is still legitimately IN_PROGRESS.
func (s *RecoverySweepers) SyncStaleJobStatus(ctx context.Context) SweepSummary {
	started := time.Now()
	summary := SweepSummary{}

	driftWindow := time.Duration(s.cfg.DRIFT_TIMEOUT_MINUTES) * time.Minute
	cutoff := time.Now().Add(-driftWindow)
	jobs, err := s.jobs.ListDriftCandidates(ctx, cutoff)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		s.logRun(ctx, "sync_stale_job_status", started, summary, err)
		return summary
	}
	summary.Checked = len(jobs)

	for _, job := range jobs {
		if job.DocumentID == nil {
			continue
		}
		inferred, err := s.inferStage(ctx, job)
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		if inferred.stage == job.CurrentStage {
			continue
		}

		history, err := s.jobs.LatestStageHistory(ctx, job.ID, inferred.stage)
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		// The inferred stage might just be genuinely running: a worker
		// started it recently but hasn't touched the job row's
		// current_stage yet. Treat stage_history as the source of truth
		// and skip the overwrite rather than fight a live worker.
		if history != nil && history.Status == model.StageHistoryInProgress && time.Since(history.StartedAt) < driftWindow {
			log.Printf("[RECOVERY] reconciler_skip job=%s stage=%s: still legitimately in progress", job.ID, inferred.stage)
			continue
		}

		stage := inferred.stage
		pct := inferred.pct
		if _, err := s.jobs.Update(ctx, job.ID, model.JobPatch{CurrentStage: &stage, ProgressPct: &pct}); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.Acted++
	}

	s.logRun(ctx, "sync_stale_job_status", started, summary, nil)
	return summary
}

func (s *RecoverySweepers) inferStage(ctx context.Context, job model.ProcessingJob) (driftInference, error) {
	chunkProgress, err := s.chunks.Progress(ctx, *job.DocumentID)
	if err != nil {
		return driftInference{}, fmt.Errorf("infer stage: %w", err)
	}

	meta, err := model.ParseJobMetadata(job.Metadata)
	if err != nil {
		return driftInference{}, fmt.Errorf("infer stage: %w", err)
	}
	entities, _ := meta.Extra["entities"].([]interface{})

	switch {
	case chunkProgress.Total == 0:
		return driftInference{stage: "chunking", pct: 40}, nil
	case chunkProgress.Completed < chunkProgress.Total:
		return driftInference{stage: "embedding", pct: 60}, nil
	case len(entities) == 0:
		return driftInference{stage: "entity_extraction", pct: 70}, nil
	default:
		return driftInference{stage: "alias_resolution", pct: 80}, nil
	}
}

// CleanupStaleChunks is sweeper (4), the chunk GC: deletes OCR chunk rows
// and blob artifacts for documents untouched for chunk_retention_hours,
// continuing past per-file failures.
func (s *RecoverySweepers) CleanupStaleChunks(ctx context.Context) SweepSummary {
	started := time.Now()
	summary := SweepSummary{}

	cutoff := time.Now().Add(-time.Duration(s.cfg.CHUNK_RETENTION_HOURS) * time.Hour)
	groups, err := s.chunks.ListRetentionExpired(ctx, cutoff)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		s.logRun(ctx, "cleanup_stale_chunks", started, summary, err)
		return summary
	}
	summary.Checked = len(groups)

	for _, group := range groups {
		chunkRows, err := s.chunks.ListByDocument(ctx, group.DocumentID)
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		for _, chunk := range chunkRows {
			if err := s.blob.Delete(ctx, chunkBlobKey(chunk.DocumentID, chunk.ChunkIndex)); err != nil {
				summary.Errors = append(summary.Errors, err.Error())
			}
		}
		if _, err := s.chunks.DeleteByDocument(ctx, group.DocumentID); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.Acted++
	}

	s.logRun(ctx, "cleanup_stale_chunks", started, summary, nil)
	return summary
}
