package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juhinebhnani4/ldip/model"
	"gorm.io/gorm"
)

// ErrDocumentNotFound is returned by DocumentStore.Get when no document
// with the given id exists.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentStore is the matter-scoped CRUD layer over Document rows. Stage
// handlers and the pipeline orchestrator read through it; the upload
// handler writes through it.
type DocumentStore struct {
	db *gorm.DB
}

// NewDocumentStore builds a document store over the relational database.
func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// Create inserts a new document row in UPLOADED status.
func (s *DocumentStore) Create(ctx context.Context, doc *model.Document) error {
	doc.Status = model.DocumentStatusUploaded
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// Get fetches a document by id, matter-scoped.
func (s *DocumentStore) Get(ctx context.Context, matterID model.MatterID, documentID string) (*model.Document, error) {
	var doc model.Document
	err := ScopedQuery(s.db.WithContext(ctx), matterID, &model.Document{}).Where("id = ?", documentID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// GetUnscoped fetches a document without a matter filter, used only by
// stage handlers running inside an already-authorized job context.
func (s *DocumentStore) GetUnscoped(ctx context.Context, documentID string) (*model.Document, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).Where("id = ?", documentID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// UpdateStatus transitions a document's pipeline status and, when a job id
// is given, records it as the document's latest job.
func (s *DocumentStore) UpdateStatus(ctx context.Context, documentID string, status model.DocumentStatus, jobID *string) error {
	updates := map[string]interface{}{"status": status}
	if jobID != nil {
		updates["latest_job_id"] = jobID
	}
	if err := s.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", documentID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return nil
}

// ListByMatter returns documents for a matter, paginated.
func (s *DocumentStore) ListByMatter(ctx context.Context, matterID model.MatterID, page, perPage int) ([]model.Document, int64, error) {
	q := ScopedQuery(s.db.WithContext(ctx), matterID, &model.Document{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	var docs []model.Document
	offset := (page - 1) * perPage
	if err := q.Order("created_at DESC").Offset(offset).Limit(perPage).Find(&docs).Error; err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	if err := ValidateRows(docs, matterID, "documents"); err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// PendingForETA returns documents not yet READY or FAILED, the input to
// the ETA estimator's pending_docs argument.
func (s *DocumentStore) PendingForETA(ctx context.Context, matterID model.MatterID) ([]model.Document, error) {
	var docs []model.Document
	err := ScopedQuery(s.db.WithContext(ctx), matterID, &model.Document{}).
		Where("status IN ?", []model.DocumentStatus{model.DocumentStatusUploaded, model.DocumentStatusProcessing}).
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("pending documents for eta: %w", err)
	}
	return docs, nil
}

// TouchUpdatedAt bumps a document's updated_at without changing any other
// field, used by the cache invalidation hook's "any document state change"
// trigger when the mutation itself happened elsewhere (e.g. a chunk
// write).
func (s *DocumentStore) TouchUpdatedAt(ctx context.Context, documentID string) error {
	return s.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", documentID).Update("updated_at", time.Now()).Error
}
