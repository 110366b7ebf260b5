package model

import (
	"time"

	"gorm.io/gorm"
)

// DocumentStatus tracks where a document sits relative to the processing
// pipeline, independent of any one job's status. It is what the status-
// drift sweeper reconciles against job and stage history.
type DocumentStatus string

const (
	DocumentStatusUploaded   DocumentStatus = "UPLOADED"
	DocumentStatusProcessing DocumentStatus = "PROCESSING"
	DocumentStatusReady      DocumentStatus = "READY"
	DocumentStatusFailed     DocumentStatus = "FAILED"
)

// Document is a single legal file belonging to a matter, tracked through
// OCR, validation, chunking, embedding and downstream extraction.
type Document struct {
	ID          string         `gorm:"type:varchar(64);primaryKey" json:"id"`
	MatterID    string         `gorm:"type:varchar(64);not null;index" json:"matter_id"`
	Filename    string         `gorm:"not null" json:"filename"`
	SpacesURL   string         `gorm:"type:text" json:"spaces_url"`
	SpacesKey   string         `gorm:"type:text" json:"spaces_key"`
	FileSize    int64          `gorm:"default:0" json:"file_size"`
	PageCount   int            `gorm:"default:0" json:"page_count"`
	Status      DocumentStatus `gorm:"type:varchar(20);not null;default:'UPLOADED';index" json:"status"`
	LatestJobID *string        `gorm:"type:uuid" json:"latest_job_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Document) TableName() string { return "documents" }
