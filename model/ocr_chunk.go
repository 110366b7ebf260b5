package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ChunkStatus is the lifecycle of one page-range unit of OCR work handed to
// the external OCR collaborator.
type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "PENDING"
	ChunkStatusInFlight   ChunkStatus = "IN_FLIGHT"
	ChunkStatusCompleted  ChunkStatus = "COMPLETED"
	ChunkStatusFailed     ChunkStatus = "FAILED"
	ChunkStatusAbandoned  ChunkStatus = "ABANDONED"
)

// DocumentOCRChunk is one page-range slice of a document's OCR work. Large
// documents are split into chunks so a single stuck chunk doesn't force the
// whole document's OCR stage to restart from page one.
type DocumentOCRChunk struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	JobID       string         `gorm:"type:uuid;not null;index" json:"job_id"`
	DocumentID  string         `gorm:"type:varchar(64);not null;index" json:"document_id"`
	MatterID    string         `gorm:"type:varchar(64);not null;index" json:"matter_id"`
	ChunkIndex  int            `gorm:"not null" json:"chunk_index"`
	PageStart   int            `gorm:"not null" json:"page_start"`
	PageEnd     int            `gorm:"not null" json:"page_end"`
	Status      ChunkStatus    `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	LeaseOwner  string         `gorm:"type:varchar(64)" json:"lease_owner,omitempty"`
	LeaseExpiry *time.Time     `json:"lease_expiry,omitempty"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	ResultText  string         `gorm:"type:text" json:"-"`
	ErrorMessage string        `gorm:"type:text" json:"error_message,omitempty"`
	Metadata    datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (DocumentOCRChunk) TableName() string { return "document_ocr_chunks" }

// Expired reports whether the chunk's lease has lapsed, making it eligible
// for reclaim by the stale-chunk sweeper.
func (c DocumentOCRChunk) Expired(now time.Time) bool {
	return c.Status == ChunkStatusInFlight && c.LeaseExpiry != nil && now.After(*c.LeaseExpiry)
}
