package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobType enumerates the pipeline stages a ProcessingJob can represent, plus
// the umbrella DOCUMENT_PROCESSING type that walks the whole pipeline.
type JobType string

const (
	JobTypeDocumentProcessing JobType = "DOCUMENT_PROCESSING"
	JobTypeOCR                JobType = "OCR"
	JobTypeValidation         JobType = "VALIDATION"
	JobTypeChunking           JobType = "CHUNKING"
	JobTypeEmbedding          JobType = "EMBEDDING"
	JobTypeEntityExtraction   JobType = "ENTITY_EXTRACTION"
	JobTypeAliasResolution    JobType = "ALIAS_RESOLUTION"
	JobTypeDateExtraction     JobType = "DATE_EXTRACTION"
	JobTypeEventClassify      JobType = "EVENT_CLASSIFICATION"
	JobTypeEntityLinking      JobType = "ENTITY_LINKING"
)

// JobStatus is the lifecycle state of a ProcessingJob.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
	JobStatusSkipped    JobStatus = "SKIPPED"
)

// IsTerminal reports whether the status is absorbing: COMPLETED, FAILED,
// CANCELLED or SKIPPED.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusSkipped:
		return true
	default:
		return false
	}
}

// DocumentProcessingStages is the fixed pipeline order for a
// DOCUMENT_PROCESSING job. It is also used as the denominator for
// completed_stages / total_stages progress math.
var DocumentProcessingStages = []string{
	"ocr",
	"validation",
	"chunking",
	"embedding",
	"entity_extraction",
	"alias_resolution",
	"timeline",
}

// JobMetadata is the tagged-union value stored in ProcessingJob.Metadata. It
// replaces the source's ad-hoc JSON blob with known keys plus a free-form
// Extra bucket for forward compatibility.
type JobMetadata struct {
	PartialProgress    map[string]StageProgress `json:"partial_progress,omitempty"`
	RecoveryAttempts   int                      `json:"recovery_attempts,omitempty"`
	LastRecoveryAt      *time.Time              `json:"last_recovery_at,omitempty"`
	RecoveredFromStage string                   `json:"recovered_from_stage,omitempty"`
	Extra              map[string]any           `json:"extra,omitempty"`
}

// Marshal serializes the metadata for storage in the job's JSONB column.
func (m JobMetadata) Marshal() (datatypes.JSON, error) {
	if m.PartialProgress == nil && m.Extra == nil && m.RecoveryAttempts == 0 && m.LastRecoveryAt == nil && m.RecoveredFromStage == "" {
		return datatypes.JSON([]byte("{}")), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// ParseJobMetadata decodes a job's stored metadata column. An empty or nil
// column decodes to a zero-value JobMetadata rather than an error.
func ParseJobMetadata(raw datatypes.JSON) (JobMetadata, error) {
	var m JobMetadata
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return JobMetadata{}, err
	}
	return m, nil
}

// ProcessingJob is one invocation of the pipeline against a document (or,
// when DocumentID is nil, a matter-level job such as a recovery sweep).
type ProcessingJob struct {
	ID                  string         `gorm:"type:uuid;primaryKey" json:"id"`
	MatterID            string         `gorm:"type:varchar(64);not null;index:idx_job_matter" json:"matter_id"`
	DocumentID          *string        `gorm:"type:varchar(64);index" json:"document_id,omitempty"`
	JobType             JobType        `gorm:"type:varchar(30);not null" json:"job_type"`
	Status              JobStatus      `gorm:"type:varchar(20);not null;default:'QUEUED';index" json:"status"`
	CurrentStage        string         `gorm:"type:varchar(64)" json:"current_stage"`
	TotalStages         int            `gorm:"not null;default:7" json:"total_stages"`
	CompletedStages     int            `gorm:"not null;default:0" json:"completed_stages"`
	ProgressPct         int            `gorm:"not null;default:0" json:"progress_pct"`
	RetryCount          int            `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries          int            `gorm:"not null;default:3" json:"max_retries"`
	HeartbeatAt         *time.Time     `json:"heartbeat_at,omitempty"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
	ErrorMessage        string         `gorm:"type:text" json:"error_message,omitempty"`
	ErrorCode           string         `gorm:"type:varchar(64)" json:"error_code,omitempty"`
	Metadata            datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`

	StageHistory []JobStageHistory `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"stage_history,omitempty"`
}

// TableName pins the table name so renaming the Go type doesn't migrate the
// schema out from under existing data.
func (ProcessingJob) TableName() string { return "processing_jobs" }

// StageHistoryStatus is the state of one stage's run as recorded in
// JobStageHistory.
type StageHistoryStatus string

const (
	StageHistoryPending    StageHistoryStatus = "PENDING"
	StageHistoryInProgress StageHistoryStatus = "IN_PROGRESS"
	StageHistoryCompleted  StageHistoryStatus = "COMPLETED"
	StageHistoryFailed     StageHistoryStatus = "FAILED"
	StageHistorySkipped    StageHistoryStatus = "SKIPPED"
)

// JobStageHistory is an append-mostly log of every stage run for a job.
type JobStageHistory struct {
	ID           uint               `gorm:"primaryKey" json:"id"`
	JobID        string             `gorm:"type:uuid;not null;index" json:"job_id"`
	StageName    string             `gorm:"type:varchar(64);not null" json:"stage_name"`
	Status       StageHistoryStatus `gorm:"type:varchar(20);not null" json:"status"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	ErrorMessage string             `gorm:"type:text" json:"error_message,omitempty"`
	Metadata     datatypes.JSON     `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

func (JobStageHistory) TableName() string { return "job_stage_history" }

// QueueStats summarizes job counts per status for a matter, plus the mean
// processing time, surfaced by Job Store stats_by_matter.
type QueueStats struct {
	MatterID           string         `json:"matter_id"`
	CountByStatus      map[string]int `json:"count_by_status"`
	AvgProcessingTimeMs int64         `json:"avg_processing_time_ms"`
}

// JobPatch is a sparse update applied to a ProcessingJob. Nil fields are
// left untouched.
type JobPatch struct {
	Status              *JobStatus
	CurrentStage        *string
	CompletedStages     *int
	ProgressPct         *int
	RetryCount          *int
	HeartbeatAt         *time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	EstimatedCompletion *time.Time
	ErrorMessage        *string
	ErrorCode           *string
	Metadata            *JobMetadata

	// ClearCompletedAt NULLs completed_at instead of leaving it untouched.
	// CompletedAt only ever sets a value, so a retry that un-terminates a
	// job needs this to drop the stale timestamp the prior FAILED/CANCELLED
	// status left behind.
	ClearCompletedAt bool
}
