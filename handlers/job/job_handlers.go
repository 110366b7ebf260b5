// Package job exposes the Job REST surface: listing and inspecting
// ProcessingJob rows and driving their lifecycle (retry, skip, cancel),
// plus the recovery-sweeper status/trigger endpoints.
package job

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/juhinebhnani4/ldip/external"
	"github.com/juhinebhnani4/ldip/model"
	"github.com/juhinebhnani4/ldip/services"
	"github.com/juhinebhnani4/ldip/utils/response"
	"github.com/juhinebhnani4/ldip/utils/sse"
	"github.com/juhinebhnani4/ldip/utils/validation"
)

// JobHandler wires the job REST surface to the orchestrator, job store
// and recovery sweepers.
type JobHandler struct {
	jobs         *services.JobStore
	orchestrator *services.PipelineOrchestrator
	tracker      *services.PartialProgressTracker
	sweepers     *services.RecoverySweepers
	rateLimiter  *services.RateLimiter
	cache        *services.QueryCache
	broadcaster  external.Broadcaster
	validate     *validator.Validate
}

// NewJobHandler wires a job handler.
func NewJobHandler(jobs *services.JobStore, orchestrator *services.PipelineOrchestrator, tracker *services.PartialProgressTracker, sweepers *services.RecoverySweepers, rateLimiter *services.RateLimiter, cache *services.QueryCache, broadcaster external.Broadcaster) *JobHandler {
	return &JobHandler{
		jobs:         jobs,
		orchestrator: orchestrator,
		tracker:      tracker,
		sweepers:     sweepers,
		rateLimiter:  rateLimiter,
		cache:        cache,
		broadcaster:  broadcaster,
		validate:     validator.New(),
	}
}

func (h *JobHandler) matterID(c *fiber.Ctx) (model.MatterID, error) {
	return services.ValidateMatterID(c.Query("matter_id"))
}

// jobListItem is the trimmed shape §6 names for GET /jobs, distinct from
// the full ProcessingJob returned by GET /jobs/{id}.
type jobListItem struct {
	ID                  string     `json:"id"`
	MatterID            string     `json:"matter_id"`
	DocumentID          *string    `json:"document_id,omitempty"`
	JobType             string     `json:"job_type"`
	Status              string     `json:"status"`
	CurrentStage        string     `json:"current_stage"`
	ProgressPct         int        `json:"progress_pct"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	RetryCount          int        `json:"retry_count"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// ListJobs handles GET /jobs?status=&matter_id=&page=&per_page=.
func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	matterID, err := h.matterID(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	page := c.QueryInt("page", 1)
	perPage := c.QueryInt("per_page", 20)
	status := model.JobStatus(c.Query("status"))

	jobs, total, err := h.jobs.ListByMatter(c.Context(), matterID, status, page, perPage)
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	items := make([]jobListItem, len(jobs))
	for i, j := range jobs {
		items[i] = jobListItem{
			ID:                  j.ID,
			MatterID:            j.MatterID,
			DocumentID:          j.DocumentID,
			JobType:             string(j.JobType),
			Status:              string(j.Status),
			CurrentStage:        j.CurrentStage,
			ProgressPct:         j.ProgressPct,
			EstimatedCompletion: j.EstimatedCompletion,
			RetryCount:          j.RetryCount,
			ErrorMessage:        j.ErrorMessage,
			CreatedAt:           j.CreatedAt,
		}
	}

	return response.Paginated(c, items, response.CalculatePagination(page, perPage, total))
}

// QueueStats handles GET /jobs/stats?matter_id=, returning per-status job
// counts and the mean processing time for a matter's queue.
func (h *JobHandler) QueueStats(c *fiber.Ctx) error {
	matterID, err := h.matterID(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	stats, err := h.jobs.StatsByMatter(c.Context(), matterID)
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	return response.Success(c, stats)
}

// GetJob handles GET /jobs/{id}, returning the full job record including
// its stage history.
func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	matterID, err := h.matterID(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	job, err := h.jobs.Get(c.Context(), matterID, c.Params("id"))
	if err == services.ErrJobNotFound {
		return response.NotFound(c, "job not found")
	}
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	return response.Success(c, job)
}

// retryRequest is the POST /jobs/{id}/retry body.
type retryRequest struct {
	ResetRetryCount bool `json:"reset_retry_count"`
	Restart         bool `json:"restart"`
}

// RetryJob handles POST /jobs/{id}/retry.
func (h *JobHandler) RetryJob(c *fiber.Ctx) error {
	matterID, err := h.matterID(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	var req retryRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	jobID := c.Params("id")
	if _, err := h.jobs.Get(c.Context(), matterID, jobID); err == services.ErrJobNotFound {
		return response.NotFound(c, "job not found")
	}

	job, err := h.orchestrator.Retry(c.Context(), jobID, req.ResetRetryCount, req.Restart, h.tracker)
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	return response.Success(c, fiber.Map{
		"new_status": job.Status,
		"message":    "job re-queued",
	})
}

// skipRequest is the POST /jobs/{id}/skip body. Reason is required so a
// skipped job always carries an auditable explanation in its history.
type skipRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// SkipJob handles POST /jobs/{id}/skip.
func (h *JobHandler) SkipJob(c *fiber.Ctx) error {
	matterID, err := h.matterID(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	var req skipRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	req.Reason = validation.SanitizeString(req.Reason)
	if err := h.validate.Struct(req); err != nil {
		return response.ValidationError(c, fmt.Errorf("%v", validation.FormatValidationErrors(err)))
	}

	jobID := c.Params("id")
	if _, err := h.jobs.Get(c.Context(), matterID, jobID); err == services.ErrJobNotFound {
		return response.NotFound(c, "job not found")
	}

	job, err := h.orchestrator.Skip(c.Context(), jobID)
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	return response.Success(c, fiber.Map{"new_status": job.Status})
}

// CancelJob handles POST /jobs/{id}/cancel.
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	matterID, err := h.matterID(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	jobID := c.Params("id")
	if _, err := h.jobs.Get(c.Context(), matterID, jobID); err == services.ErrJobNotFound {
		return response.NotFound(c, "job not found")
	}

	job, err := h.orchestrator.Cancel(c.Context(), jobID)
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	return response.Success(c, fiber.Map{"new_status": job.Status})
}

// StreamJobProgress handles GET /jobs/{id}/stream, an SSE connection that
// forwards a matter's progress-broadcast channel for the lifetime of the
// request. Job state is only ever read from the Job Store; this stream is a
// best-effort, possibly-lossy convenience on top of it.
func (h *JobHandler) StreamJobProgress(c *fiber.Ctx) error {
	matterID, err := h.matterID(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	jobID := c.Params("id")
	job, err := h.jobs.Get(c.Context(), matterID, jobID)
	if err == services.ErrJobNotFound {
		return response.NotFound(c, "job not found")
	}
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx := context.Background()

		if err := sse.SendStarted(w, job); err != nil {
			return
		}

		events, cancel := h.broadcaster.Subscribe(ctx, string(matterID))
		defer cancel()

		keepAlive := time.NewTicker(20 * time.Second)
		defer keepAlive.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.JobID != jobID {
					continue
				}
				if err := sse.SendProgress(w, event); err != nil {
					return
				}
				if event.Status == string(model.JobStatusCompleted) || event.Status == string(model.JobStatusFailed) {
					sse.SendComplete(w, event)
					return
				}
			case <-keepAlive.C:
				if err := sse.SendKeepAlive(w); err != nil {
					return
				}
			}
		}
	})

	return nil
}

// recoveryStats is the memoized shape for GET /jobs/recovery/stats.
type recoveryStats struct {
	StaleJobsCount    int                    `json:"stale_jobs_count"`
	RecoveredLastHour int                    `json:"recovered_last_hour"`
	StaleJobs         []model.ProcessingJob  `json:"stale_jobs"`
	Configuration     map[string]interface{} `json:"configuration"`
	RateLimitStatus   map[string]interface{} `json:"rate_limit_status"`
}

// RecoveryStats handles GET /jobs/recovery/stats, memoized for
// recoveryStatsCacheTTL to avoid a full table scan on every dashboard
// poll.
func (h *JobHandler) RecoveryStats(c *fiber.Ctx) error {
	ctx := c.Context()

	var cached recoveryStats
	if hit, _ := h.cache.GetRecoveryStats(ctx, &cached); hit {
		return response.Success(c, cached)
	}

	stale, err := h.jobs.ListStaleProcessing(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	recovered, err := h.countRecoveredLastHour(ctx)
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	stats := recoveryStats{
		StaleJobsCount:    len(stale),
		RecoveredLastHour: recovered,
		StaleJobs:         stale,
		Configuration:     h.sweepers.Configuration(),
		RateLimitStatus:   h.rateLimiter.Status("recovery-stats"),
	}

	_ = h.cache.SetRecoveryStats(ctx, stats)
	return response.Success(c, stats)
}

func (h *JobHandler) countRecoveredLastHour(ctx context.Context) (int, error) {
	return h.sweepers.CountRecoveredSince(ctx, time.Now().Add(-time.Hour))
}

// RunRecoverySweep handles POST /jobs/recovery/run: triggers all four
// sweepers immediately instead of waiting for the next cron tick, and
// reports each sweeper's outcome.
func (h *JobHandler) RunRecoverySweep(c *fiber.Ctx) error {
	ctx := c.Context()
	outcomes := map[string]services.SweepSummary{
		"recover_stale_jobs":         h.sweepers.RecoverStaleJobs(ctx),
		"dispatch_stuck_queued_jobs": h.sweepers.DispatchStuckQueuedJobs(ctx),
		"sync_stale_job_status":      h.sweepers.SyncStaleJobStatus(ctx),
		"cleanup_stale_chunks":       h.sweepers.CleanupStaleChunks(ctx),
	}
	return response.Success(c, outcomes)
}

// RunRecoveryForJob handles POST /jobs/recovery/{id}: runs the stale-job
// recovery sweeper's logic against a single job, regardless of whether it
// would currently be picked up by the cron-scheduled sweep.
func (h *JobHandler) RunRecoveryForJob(c *fiber.Ctx) error {
	ctx := c.Context()
	job, err := h.sweepers.RecoverOne(ctx, c.Params("id"))
	if err != nil {
		return response.NotFound(c, err.Error())
	}
	return response.Success(c, job)
}
