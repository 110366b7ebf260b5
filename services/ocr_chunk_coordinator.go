package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/juhinebhnani4/ldip/config"
	"github.com/juhinebhnani4/ldip/external"
	"github.com/juhinebhnani4/ldip/model"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ocrChunkLeaseTTL bounds how long a worker can hold a chunk before the
// stale-chunk path in the recovery sweepers reclaims it.
const ocrChunkLeaseTTL = 10 * time.Minute

// OCRChunkCoordinator splits a large PDF into page-range chunks, fans the
// chunk-OCR tasks out across a bounded pool of workers, and merges the
// per-chunk results back into one OCR artifact once every chunk has
// settled. Generalizes the teacher's hand-rolled channel semaphore into
// golang.org/x/sync's semaphore + errgroup.
type OCRChunkCoordinator struct {
	chunks        *OCRChunkStore
	jobs          *JobStore
	documents     *DocumentStore
	blob          external.Blob
	ocr           external.OCR
	queue         *TaskQueue
	pageChunkSize int
	maxConcurrent int64
}

// NewOCRChunkCoordinator wires the chunk coordinator.
func NewOCRChunkCoordinator(chunks *OCRChunkStore, jobs *JobStore, documents *DocumentStore, blob external.Blob, ocr external.OCR, queue *TaskQueue, cfg *config.EnviornmentVariable) *OCRChunkCoordinator {
	pageChunkSize := cfg.PAGE_CHUNK_SIZE
	if pageChunkSize <= 0 {
		pageChunkSize = 25
	}
	maxConcurrent := int64(cfg.OCR_MAX_CONCURRENT_CHUNKS)
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &OCRChunkCoordinator{
		chunks: chunks, jobs: jobs, documents: documents,
		blob: blob, ocr: ocr, queue: queue,
		pageChunkSize: pageChunkSize, maxConcurrent: maxConcurrent,
	}
}

// ShouldFanOut reports whether a document's page count is large enough to
// warrant chunked OCR rather than one whole-document OCR call.
func (c *OCRChunkCoordinator) ShouldFanOut(pageCount int) bool {
	return pageCount > c.pageChunkSize
}

// Plan partitions a document's pages into page_chunk_size windows, creates
// the chunk rows PENDING, and dispatches one chunk-OCR task per chunk.
// Chunk index is 0-based internally; it is only rendered 1-based in
// human-facing error strings.
func (c *OCRChunkCoordinator) Plan(ctx context.Context, job *model.ProcessingJob, doc *model.Document) error {
	chunkRows, err := c.partition(job, doc)
	if err != nil {
		return fmt.Errorf("plan ocr chunks: %w", err)
	}

	if err := c.chunks.CreateMany(ctx, chunkRows); err != nil {
		return fmt.Errorf("plan ocr chunks: %w", err)
	}

	for _, chunk := range chunkRows {
		if err := c.queue.Push(ctx, TaskOCRChunk, OCRChunkPayload{ChunkID: chunk.ID}); err != nil {
			return fmt.Errorf("plan ocr chunks: dispatch chunk %d: %w", chunk.ChunkIndex, err)
		}
	}
	return nil
}

func (c *OCRChunkCoordinator) partition(job *model.ProcessingJob, doc *model.Document) ([]model.DocumentOCRChunk, error) {
	if doc.PageCount <= 0 {
		return nil, fmt.Errorf("document %s has no page count", doc.ID)
	}

	var chunks []model.DocumentOCRChunk
	index := 0
	for start := 1; start <= doc.PageCount; start += c.pageChunkSize {
		end := start + c.pageChunkSize - 1
		if end > doc.PageCount {
			end = doc.PageCount
		}
		chunks = append(chunks, model.DocumentOCRChunk{
			JobID:      job.ID,
			DocumentID: doc.ID,
			MatterID:   job.MatterID,
			ChunkIndex: index,
			PageStart:  start,
			PageEnd:    end,
			Status:     model.ChunkStatusPending,
		})
		index++
	}
	return chunks, nil
}

// ProcessChunk runs one chunk: fetches its page range from the original
// document, OCRs it, writes the result, and updates the chunk's status.
// Called by a worker that pulled a TaskOCRChunk off the queue; the worker
// itself bounds concurrency with a semaphore sized to max_concurrent.
func (c *OCRChunkCoordinator) ProcessChunk(ctx context.Context, chunkID uint, workerID string) error {
	chunk, err := c.chunks.GetByID(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("process chunk: %w", err)
	}

	leased, err := c.chunks.Lease(ctx, chunkID, workerID, ocrChunkLeaseTTL)
	if err != nil {
		return fmt.Errorf("process chunk: %w", err)
	}
	if !leased {
		return nil
	}

	doc, err := c.documents.GetUnscoped(ctx, chunk.DocumentID)
	if err != nil {
		return c.failChunk(ctx, chunk, err)
	}

	pdfBytes, err := c.blob.Download(ctx, doc.SpacesKey)
	if err != nil {
		return c.failChunk(ctx, chunk, err)
	}

	result, err := c.ocr.ProcessRange(ctx, pdfBytes, doc.Filename, chunk.PageStart, chunk.PageEnd)
	if err != nil {
		return c.failChunk(ctx, chunk, err)
	}

	if err := c.chunks.UpdateStatus(ctx, chunkID, model.ChunkStatusCompleted, result.Text, ""); err != nil {
		return fmt.Errorf("process chunk: %w", err)
	}

	return c.onChunkSettled(ctx, chunk.JobID, chunk.DocumentID)
}

func (c *OCRChunkCoordinator) failChunk(ctx context.Context, chunk *model.DocumentOCRChunk, cause error) error {
	_, retryable := ClassifyError(cause)
	// Retryable failures stay FAILED, eligible for re-lease by a future
	// chunk-OCR task dispatch; non-retryable ones are ABANDONED outright
	// since retrying them cannot self-heal.
	status := model.ChunkStatusFailed
	if !retryable {
		status = model.ChunkStatusAbandoned
	}
	if err := c.chunks.UpdateStatus(ctx, chunk.ID, status, "", cause.Error()); err != nil {
		return fmt.Errorf("fail chunk: %w", err)
	}

	humanMsg := fmt.Sprintf("Chunk %d (pages %d-%d) failed: %s", chunk.ChunkIndex+1, chunk.PageStart, chunk.PageEnd, cause.Error())
	if _, err := c.jobs.Update(ctx, chunk.JobID, model.JobPatch{ErrorMessage: &humanMsg}); err != nil {
		return fmt.Errorf("fail chunk: %w", err)
	}
	return nil
}

// onChunkSettled recomputes the document's chunk progress after a chunk
// completes, publishes it, and triggers the merge stage once every chunk
// has settled with zero failures. A failed chunk does not call it.
func (c *OCRChunkCoordinator) onChunkSettled(ctx context.Context, jobID, documentID string) error {
	progress, err := c.chunks.Progress(ctx, documentID)
	if err != nil {
		return fmt.Errorf("on chunk settled: %w", err)
	}

	pct := 0
	if progress.Total > 0 {
		pct = progress.Completed * 100 / progress.Total
	}
	stage := fmt.Sprintf("OCR (%d/%d)", progress.Completed, progress.Total)
	if _, err := c.jobs.Update(ctx, jobID, model.JobPatch{CurrentStage: &stage, ProgressPct: &pct}); err != nil {
		return fmt.Errorf("on chunk settled: %w", err)
	}

	if progress.Pending+progress.InFlight == 0 && progress.Failed == 0 {
		return c.merge(ctx, jobID, documentID)
	}
	return nil
}

// merge concatenates every chunk's OCR text in chunk_index order into one
// document-level OCR artifact and advances the job past the OCR stage.
func (c *OCRChunkCoordinator) merge(ctx context.Context, jobID, documentID string) error {
	stage := "Merging OCR results"
	pct := 95
	if _, err := c.jobs.Update(ctx, jobID, model.JobPatch{CurrentStage: &stage, ProgressPct: &pct}); err != nil {
		return fmt.Errorf("merge ocr chunks: %w", err)
	}

	chunks, err := c.chunks.ListByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("merge ocr chunks: %w", err)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })

	var merged strings.Builder
	for _, chunk := range chunks {
		merged.WriteString(chunk.ResultText)
		merged.WriteString("\n")
	}

	if _, err := c.blob.Upload(ctx, ocrTextBlobKey(documentID), strings.NewReader(merged.String()), "text/plain"); err != nil {
		return fmt.Errorf("merge ocr chunks: %w", err)
	}

	job, err := c.jobs.GetByIDUnscoped(ctx, jobID)
	if err != nil {
		return fmt.Errorf("merge ocr chunks: %w", err)
	}
	completedStages := job.CompletedStages + 1
	if _, err := c.jobs.Update(ctx, jobID, model.JobPatch{CompletedStages: &completedStages}); err != nil {
		return fmt.Errorf("merge ocr chunks: %w", err)
	}

	return c.dispatchNext(ctx, job)
}

func (c *OCRChunkCoordinator) dispatchNext(ctx context.Context, job *model.ProcessingJob) error {
	nextIndex := job.CompletedStages + 1
	if nextIndex >= len(model.DocumentProcessingStages) {
		return nil
	}
	return c.queue.Push(ctx, TaskStage, StageTaskPayload{JobID: job.ID, StageName: model.DocumentProcessingStages[nextIndex]})
}

// RunWorkerPool drains pending chunk tasks for up to maxConcurrent chunks
// at a time, bounding fan-out with a weighted semaphore and collecting
// errors with an errgroup, generalizing the teacher's channel-based
// semaphore pattern.
func (c *OCRChunkCoordinator) RunWorkerPool(ctx context.Context, chunkIDs []uint, workerID string) error {
	sem := semaphore.NewWeighted(c.maxConcurrent)
	group, groupCtx := errgroup.WithContext(ctx)

	for _, id := range chunkIDs {
		id := id
		if err := sem.Acquire(groupCtx, 1); err != nil {
			return err
		}
		group.Go(func() error {
			defer sem.Release(1)
			return c.ProcessChunk(groupCtx, id, workerID)
		})
	}

	return group.Wait()
}
