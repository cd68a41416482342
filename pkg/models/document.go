package models

import "time"

// DocumentStatus mirrors the document row's processing state. The recovery
// sweepers keep it consistent with the owning job's status.
type DocumentStatus string

// Document status constants.
const (
	DocumentStatusPending    DocumentStatus = "PENDING"
	DocumentStatusProcessing DocumentStatus = "PROCESSING"
	DocumentStatusCompleted  DocumentStatus = "COMPLETED"
	DocumentStatusFailed     DocumentStatus = "FAILED"
)

// Document is an uploaded source file scoped to a matter.
type Document struct {
	ID        string         `json:"id"`
	MatterID  string         `json:"matter_id"`
	FileName  string         `json:"file_name"`
	BlobPath  string         `json:"blob_path"`
	PageCount int            `json:"page_count"`
	Status    DocumentStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// GetMatterID implements matter.Scoped.
func (d *Document) GetMatterID() string { return d.MatterID }

// ProcessingMetric is one completed-document sample in the rolling
// throughput window the ETA estimator reads.
type ProcessingMetric struct {
	PageCount        int       `json:"page_count"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
	RecordedAt       time.Time `json:"recorded_at"`
}
