package models

import (
	"encoding/json"
	"time"
)

// StageStatus is the lifecycle state of one stage-history entry.
type StageStatus string

// Stage status constants.
const (
	StageStatusPending    StageStatus = "PENDING"
	StageStatusInProgress StageStatus = "IN_PROGRESS"
	StageStatusCompleted  StageStatus = "COMPLETED"
	StageStatusFailed     StageStatus = "FAILED"
	StageStatusSkipped    StageStatus = "SKIPPED"
)

// JobStageHistory is one append-mostly log entry for a stage run.
type JobStageHistory struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	StageName    string          `json:"stage_name"`
	Status       StageStatus     `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}
