// Package models contains the persistent domain types shared across the
// job engine: processing jobs, stage history, OCR chunks, and documents.
package models

import (
	"time"
)

// JobType identifies what kind of processing a job performs.
type JobType string

// Job type constants.
const (
	JobTypeDocumentProcessing  JobType = "DOCUMENT_PROCESSING"
	JobTypeOCR                 JobType = "OCR"
	JobTypeValidation          JobType = "VALIDATION"
	JobTypeChunking            JobType = "CHUNKING"
	JobTypeEmbedding           JobType = "EMBEDDING"
	JobTypeEntityExtraction    JobType = "ENTITY_EXTRACTION"
	JobTypeAliasResolution     JobType = "ALIAS_RESOLUTION"
	JobTypeDateExtraction      JobType = "DATE_EXTRACTION"
	JobTypeEventClassification JobType = "EVENT_CLASSIFICATION"
	JobTypeEntityLinking       JobType = "ENTITY_LINKING"
)

// JobStatus is the lifecycle state of a processing job.
type JobStatus string

// Job status constants.
const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
	JobStatusSkipped    JobStatus = "SKIPPED"
)

// IsTerminal reports whether the status is absorbing: a job in a terminal
// state never transitions to a non-terminal state except via an explicit
// manual retry.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusSkipped:
		return true
	}
	return false
}

// DefaultTotalStages is the stage count for a full document-processing run.
const DefaultTotalStages = 7

// DefaultMaxRetries bounds per-job retry attempts before a final FAILED.
const DefaultMaxRetries = 3

// ProcessingJob is one pipeline invocation over a document (or matter).
// The job row is the single source of truth for pipeline state; workers,
// sweepers, and the API all mutate it through the job service.
type ProcessingJob struct {
	ID         string  `json:"id"`
	MatterID   string  `json:"matter_id"`
	DocumentID *string `json:"document_id,omitempty"` // nil for matter-level jobs
	JobType    JobType `json:"job_type"`

	Status          JobStatus `json:"status"`
	CurrentStage    string    `json:"current_stage,omitempty"`
	TotalStages     int       `json:"total_stages"`
	CompletedStages int       `json:"completed_stages"`
	ProgressPct     int       `json:"progress_pct"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	HeartbeatAt         *time.Time `json:"heartbeat_at,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`

	ClaimedBy string `json:"claimed_by,omitempty"` // pod that holds the job

	Metadata JobMetadata `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetMatterID implements matter.Scoped.
func (j *ProcessingJob) GetMatterID() string { return j.MatterID }

// StaleReference returns the timestamp the recovery sweeper compares against
// the staleness cutoff: heartbeat_at when present, else updated_at.
func (j *ProcessingJob) StaleReference() time.Time {
	if j.HeartbeatAt != nil {
		return *j.HeartbeatAt
	}
	return j.UpdatedAt
}

// QueueStats summarizes a matter's job queue.
type QueueStats struct {
	MatterID        string            `json:"matter_id"`
	ByStatus        map[JobStatus]int `json:"by_status"`
	AvgProcessingMS int64             `json:"avg_processing_ms"`
}
