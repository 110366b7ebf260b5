package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juhinebhnani4/ldip/external"
	"github.com/juhinebhnani4/ldip/model"
	"gorm.io/gorm"
)

// ErrJobNotFound is returned by JobStore.Get when no job with the given id
// exists.
var ErrJobNotFound = errors.New("job not found")

// JobStore is the single source of truth for job state. Every stage
// executor, sweeper and HTTP handler that needs to read or mutate a job
// goes through it. After any Update that changes status, current_stage,
// progress_pct or error_message it publishes a progress event;
// CompareAndSwapStatus does not publish.
type JobStore struct {
	db          *gorm.DB
	broadcaster external.Broadcaster
}

// NewJobStore builds a job store backed by the relational database and
// wired to the progress broadcaster.
func NewJobStore(db *gorm.DB, broadcaster external.Broadcaster) *JobStore {
	return &JobStore{db: db, broadcaster: broadcaster}
}

// Create inserts a new job in QUEUED status.
func (s *JobStore) Create(ctx context.Context, matterID model.MatterID, documentID *string, jobType model.JobType, metadata model.JobMetadata) (*model.ProcessingJob, error) {
	metaJSON, err := metadata.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal job metadata: %w", err)
	}

	job := &model.ProcessingJob{
		ID:          uuid.NewString(),
		MatterID:    string(matterID),
		DocumentID:  documentID,
		JobType:     jobType,
		Status:      model.JobStatusQueued,
		TotalStages: len(model.DocumentProcessingStages),
		MaxRetries:  3,
		Metadata:    metaJSON,
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Get fetches a job by id, matter-scoped.
func (s *JobStore) Get(ctx context.Context, matterID model.MatterID, jobID string) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	err := s.db.WithContext(ctx).Where("id = ? AND matter_id = ?", jobID, string(matterID)).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// GetByIDUnscoped fetches a job without a matter filter, used only by
// recovery sweepers and maintenance tasks that operate across matters.
func (s *JobStore) GetByIDUnscoped(ctx context.Context, jobID string) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// Update applies a sparse patch to a job and publishes a progress event if
// the patch touches status, current_stage, progress_pct or error_message.
func (s *JobStore) Update(ctx context.Context, jobID string, patch model.JobPatch) (*model.ProcessingJob, error) {
	updates := map[string]interface{}{}

	notifyRelevant := false
	if patch.Status != nil {
		updates["status"] = *patch.Status
		notifyRelevant = true
		if patch.Status.IsTerminal() {
			now := time.Now()
			updates["completed_at"] = &now
		}
	}
	if patch.CurrentStage != nil {
		updates["current_stage"] = *patch.CurrentStage
		notifyRelevant = true
	}
	if patch.CompletedStages != nil {
		updates["completed_stages"] = *patch.CompletedStages
	}
	if patch.ProgressPct != nil {
		updates["progress_pct"] = *patch.ProgressPct
		notifyRelevant = true
	}
	if patch.RetryCount != nil {
		updates["retry_count"] = *patch.RetryCount
	}
	if patch.HeartbeatAt != nil {
		updates["heartbeat_at"] = *patch.HeartbeatAt
	}
	if patch.StartedAt != nil {
		updates["started_at"] = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		updates["completed_at"] = *patch.CompletedAt
	}
	if patch.ClearCompletedAt {
		updates["completed_at"] = nil
	}
	if patch.EstimatedCompletion != nil {
		updates["estimated_completion"] = *patch.EstimatedCompletion
	}
	if patch.ErrorMessage != nil {
		updates["error_message"] = *patch.ErrorMessage
		notifyRelevant = true
	}
	if patch.ErrorCode != nil {
		updates["error_code"] = *patch.ErrorCode
	}
	if patch.Metadata != nil {
		metaJSON, err := patch.Metadata.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal job metadata patch: %w", err)
		}
		updates["metadata"] = metaJSON
	}

	if len(updates) == 0 {
		return s.GetByIDUnscoped(ctx, jobID)
	}

	if err := s.db.WithContext(ctx).Model(&model.ProcessingJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	job, err := s.GetByIDUnscoped(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if notifyRelevant && s.broadcaster != nil {
		event := external.ProgressEvent{
			JobID:       job.ID,
			MatterID:    job.MatterID,
			Status:      string(job.Status),
			Stage:       job.CurrentStage,
			ProgressPct: job.ProgressPct,
			ErrorMessage: job.ErrorMessage,
		}
		if job.DocumentID != nil {
			event.DocumentID = *job.DocumentID
		}
		_ = s.broadcaster.Publish(ctx, event)
	}

	return job, nil
}

// CompareAndSwapStatus transitions a job's status only if its current
// status still matches expected, guarding against a sweeper racing a live
// worker. Returns false (no error) if the row no longer matches.
func (s *JobStore) CompareAndSwapStatus(ctx context.Context, jobID string, expected, next model.JobStatus) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Where("id = ? AND status = ?", jobID, expected).
		Update("status", next)
	if result.Error != nil {
		return false, fmt.Errorf("compare-and-swap job status: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Heartbeat marks a job as alive. Called by the worker holding the job
// roughly every 30s while active.
func (s *JobStore) Heartbeat(ctx context.Context, jobID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.ProcessingJob{}).Where("id = ?", jobID).Update("heartbeat_at", now).Error
}

// AppendStageHistory records one stage transition for a job.
func (s *JobStore) AppendStageHistory(ctx context.Context, jobID, stage string, status model.StageHistoryStatus, errMsg string) error {
	entry := model.JobStageHistory{
		JobID:        jobID,
		StageName:    stage,
		Status:       status,
		StartedAt:    time.Now(),
		ErrorMessage: errMsg,
	}
	if status == model.StageHistoryCompleted || status == model.StageHistoryFailed || status == model.StageHistorySkipped {
		now := time.Now()
		entry.CompletedAt = &now
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// LatestStageHistory returns the most recent history row for a job/stage
// pair, used by the status-drift reconciler to check whether a stage is
// still legitimately in progress before overwriting it.
func (s *JobStore) LatestStageHistory(ctx context.Context, jobID, stage string) (*model.JobStageHistory, error) {
	var entry model.JobStageHistory
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND stage_name = ?", jobID, stage).
		Order("started_at DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest stage history: %w", err)
	}
	return &entry, nil
}

// ListByMatter returns jobs for a matter, optionally filtered by status,
// paginated.
func (s *JobStore) ListByMatter(ctx context.Context, matterID model.MatterID, status model.JobStatus, page, perPage int) ([]model.ProcessingJob, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.ProcessingJob{}).Where("matter_id = ?", string(matterID))
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	var jobs []model.ProcessingJob
	offset := (page - 1) * perPage
	if err := q.Order("created_at DESC").Offset(offset).Limit(perPage).Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}

	if err := ValidateRows(jobs, matterID, "processing_jobs"); err != nil {
		return nil, 0, err
	}

	return jobs, total, nil
}

// StatsByMatter counts jobs per status and computes average processing
// time in milliseconds for completed jobs in a matter.
func (s *JobStore) StatsByMatter(ctx context.Context, matterID model.MatterID) (*model.QueueStats, error) {
	var rows []struct {
		Status string
		Count  int
	}
	if err := s.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Select("status, count(*) as count").
		Where("matter_id = ?", string(matterID)).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("stats by matter: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}

	var avgMs float64
	s.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Where("matter_id = ? AND status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL", string(matterID), model.JobStatusCompleted).
		Select("AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)").
		Scan(&avgMs)

	return &model.QueueStats{
		MatterID:            string(matterID),
		CountByStatus:       counts,
		AvgProcessingTimeMs: int64(avgMs),
	}, nil
}

// ListStaleProcessing finds jobs stuck in PROCESSING whose heartbeat (or,
// absent that, updated_at) is older than cutoff.
func (s *JobStore) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]model.ProcessingJob, error) {
	var jobs []model.ProcessingJob
	err := s.db.WithContext(ctx).Where(
		"status = ? AND COALESCE(heartbeat_at, updated_at) < ?",
		model.JobStatusProcessing, cutoff,
	).Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list stale processing jobs: %w", err)
	}
	return jobs, nil
}

// ListStuckQueued finds jobs stuck in QUEUED whose updated_at is older
// than cutoff.
func (s *JobStore) ListStuckQueued(ctx context.Context, cutoff time.Time) ([]model.ProcessingJob, error) {
	var jobs []model.ProcessingJob
	err := s.db.WithContext(ctx).Where("status = ? AND updated_at < ?", model.JobStatusQueued, cutoff).Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list stuck queued jobs: %w", err)
	}
	return jobs, nil
}

// ListDriftCandidates finds non-terminal jobs older than cutoff, candidates
// for the status-drift reconciler.
func (s *JobStore) ListDriftCandidates(ctx context.Context, cutoff time.Time) ([]model.ProcessingJob, error) {
	var jobs []model.ProcessingJob
	err := s.db.WithContext(ctx).Where(
		"status IN ? AND updated_at < ?",
		[]model.JobStatus{model.JobStatusQueued, model.JobStatusProcessing}, cutoff,
	).Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list drift candidates: %w", err)
	}
	return jobs, nil
}

// LatestJobForDocument returns the most recent job for a document, used to
// enforce single-job-at-a-time per document.
func (s *JobStore) LatestJobForDocument(ctx context.Context, documentID string) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("created_at DESC").First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest job for document: %w", err)
	}
	return &job, nil
}
