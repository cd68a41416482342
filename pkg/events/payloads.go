package events

// BasePayload carries the fields common to every event.
type BasePayload struct {
	Type      string `json:"type"`
	MatterID  string `json:"matter_id"`
	JobID     string `json:"job_id"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// JobStatusPayload announces a job lifecycle transition.
type JobStatusPayload struct {
	BasePayload
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// JobProgressPayload carries in-flight stage progress.
type JobProgressPayload struct {
	BasePayload
	CurrentStage        string `json:"current_stage"`
	CompletedStages     int    `json:"completed_stages"`
	TotalStages         int    `json:"total_stages"`
	ProgressPct         int    `json:"progress_pct"`
	EstimatedCompletion string `json:"estimated_completion,omitempty"` // RFC3339
}

// ChunkProgressPayload carries OCR fan-out progress for one document.
type ChunkProgressPayload struct {
	BasePayload
	DocumentID string `json:"document_id"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
}
