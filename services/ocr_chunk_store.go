package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juhinebhnani4/ldip/model"
	"gorm.io/gorm"
)

// ChunkProgress summarizes chunk counts for one document's OCR stage.
type ChunkProgress struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// StaleChunkGroup is one document whose chunks have gone stale, surfaced by
// ListStale (expired leases) or by ListRetentionExpired, the latter being
// what the chunk GC sweeper consumes.
type StaleChunkGroup struct {
	DocumentID string
	MatterID   string
	ChunkCount int
}

// OCRChunkStore is persistent CRUD over per-document OCR chunks: status,
// page ranges, and result-text pointers. The OCR Chunk Coordinator creates,
// leases and settles chunks; the recovery sweepers read progress, reclaim
// expired leases and delete retention-expired chunks.
type OCRChunkStore struct {
	db *gorm.DB
}

// NewOCRChunkStore builds a chunk store over the relational database.
func NewOCRChunkStore(db *gorm.DB) *OCRChunkStore {
	return &OCRChunkStore{db: db}
}

// CreateMany inserts the page-range plan for a document's OCR stage in one
// transaction.
func (s *OCRChunkStore) CreateMany(ctx context.Context, chunks []model.DocumentOCRChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&chunks).Error; err != nil {
		return fmt.Errorf("create ocr chunks: %w", err)
	}
	return nil
}

// UpdateStatus transitions a chunk's status and, on completion, records its
// result text; on failure, its error message. Clears the lease on any
// terminal transition so a freed worker slot isn't mistaken for a live one.
func (s *OCRChunkStore) UpdateStatus(ctx context.Context, chunkID uint, status model.ChunkStatus, resultText, errMsg string) error {
	updates := map[string]interface{}{"status": status}

	switch status {
	case model.ChunkStatusCompleted:
		updates["result_text"] = resultText
		updates["lease_owner"] = ""
		updates["lease_expiry"] = nil
	case model.ChunkStatusFailed, model.ChunkStatusAbandoned:
		updates["error_message"] = errMsg
		updates["lease_owner"] = ""
		updates["lease_expiry"] = nil
	}

	if err := s.db.WithContext(ctx).Model(&model.DocumentOCRChunk{}).Where("id = ?", chunkID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update ocr chunk status: %w", err)
	}
	return nil
}

// Lease claims a pending chunk for a worker, setting it IN_FLIGHT with an
// expiry, and bumping its attempt count. Returns false if another worker
// already claimed it (optimistic, guarded by the WHERE clause).
func (s *OCRChunkStore) Lease(ctx context.Context, chunkID uint, owner string, ttl time.Duration) (bool, error) {
	expiry := time.Now().Add(ttl)
	result := s.db.WithContext(ctx).Model(&model.DocumentOCRChunk{}).
		Where("id = ? AND status IN ?", chunkID, []model.ChunkStatus{model.ChunkStatusPending, model.ChunkStatusFailed}).
		Updates(map[string]interface{}{
			"status":       model.ChunkStatusInFlight,
			"lease_owner":  owner,
			"lease_expiry": expiry,
			"attempts":     gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		return false, fmt.Errorf("lease ocr chunk: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ErrChunkNotFound is returned by GetByID when no chunk with the given id
// exists.
var ErrChunkNotFound = fmt.Errorf("ocr chunk not found")

// GetByID fetches a single chunk by its primary key, used by the chunk
// coordinator's worker-side ProcessChunk.
func (s *OCRChunkStore) GetByID(ctx context.Context, chunkID uint) (*model.DocumentOCRChunk, error) {
	var chunk model.DocumentOCRChunk
	err := s.db.WithContext(ctx).Where("id = ?", chunkID).First(&chunk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ocr chunk: %w", err)
	}
	return &chunk, nil
}

// ListByDocument returns all chunks for a document ordered by chunk index.
func (s *OCRChunkStore) ListByDocument(ctx context.Context, documentID string) ([]model.DocumentOCRChunk, error) {
	var chunks []model.DocumentOCRChunk
	if err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("chunk_index ASC").Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list ocr chunks by document: %w", err)
	}
	return chunks, nil
}

// Progress summarizes a document's chunk counts by status, used by the OCR
// Chunk Coordinator to compute the OCR stage's contribution to job
// progress_pct.
func (s *OCRChunkStore) Progress(ctx context.Context, documentID string) (*ChunkProgress, error) {
	var rows []struct {
		Status string
		Count  int
	}
	if err := s.db.WithContext(ctx).Model(&model.DocumentOCRChunk{}).
		Select("status, count(*) as count").
		Where("document_id = ?", documentID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("ocr chunk progress: %w", err)
	}

	progress := &ChunkProgress{}
	for _, r := range rows {
		progress.Total += r.Count
		switch model.ChunkStatus(r.Status) {
		case model.ChunkStatusPending:
			progress.Pending = r.Count
		case model.ChunkStatusInFlight:
			progress.InFlight = r.Count
		case model.ChunkStatusCompleted:
			progress.Completed = r.Count
		case model.ChunkStatusFailed, model.ChunkStatusAbandoned:
			progress.Failed += r.Count
		}
	}
	return progress, nil
}

// ListStale groups documents whose chunks hold an expired lease, for a
// lease-reclaim pass distinct from retention-based GC.
func (s *OCRChunkStore) ListStale(ctx context.Context, cutoff time.Time) ([]StaleChunkGroup, error) {
	var rows []StaleChunkGroup
	err := s.db.WithContext(ctx).Model(&model.DocumentOCRChunk{}).
		Select("document_id, matter_id, count(*) as chunk_count").
		Where("status = ? AND lease_expiry < ?", model.ChunkStatusInFlight, cutoff).
		Group("document_id, matter_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list stale ocr chunks: %w", err)
	}
	return rows, nil
}

// ListRetentionExpired groups documents whose chunk rows haven't been
// touched (completed, failed, or leased) since before cutoff, regardless
// of status, the input to the chunk GC sweeper.
func (s *OCRChunkStore) ListRetentionExpired(ctx context.Context, cutoff time.Time) ([]StaleChunkGroup, error) {
	var rows []StaleChunkGroup
	err := s.db.WithContext(ctx).Model(&model.DocumentOCRChunk{}).
		Select("document_id, matter_id, count(*) as chunk_count").
		Group("document_id, matter_id").
		Having("MAX(updated_at) < ?", cutoff).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list retention-expired ocr chunks: %w", err)
	}
	return rows, nil
}

// ReclaimExpired resets every chunk whose lease expired before cutoff back
// to PENDING so a future worker can retry it.
func (s *OCRChunkStore) ReclaimExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.DocumentOCRChunk{}).
		Where("status = ? AND lease_expiry < ?", model.ChunkStatusInFlight, cutoff).
		Updates(map[string]interface{}{
			"status":       model.ChunkStatusPending,
			"lease_owner":  "",
			"lease_expiry": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("reclaim expired ocr chunks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteByDocument purges every chunk for a document, used once a document
// completes or is re-uploaded and its plan must be recomputed.
func (s *OCRChunkStore) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	result := s.db.WithContext(ctx).Unscoped().Where("document_id = ?", documentID).Delete(&model.DocumentOCRChunk{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete ocr chunks by document: %w", result.Error)
	}
	return result.RowsAffected, nil
}
