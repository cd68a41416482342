package api

import (
	"time"

	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/recovery"
)

// ListMeta is the pagination block on list responses.
type ListMeta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}

// JobListResponse is the paginated job list.
type JobListResponse struct {
	Jobs []*models.ProcessingJob `json:"jobs"`
	Meta ListMeta                `json:"meta"`
}

// JobDetailResponse is a job plus its per-stage history.
type JobDetailResponse struct {
	*models.ProcessingJob
	StageHistory []*models.JobStageHistory `json:"stage_history"`
}

// TransitionResponse reports the result of a cancel/retry/skip request.
type TransitionResponse struct {
	JobID     string `json:"job_id"`
	NewStatus string `json:"new_status"`
	Message   string `json:"message,omitempty"`
}

// UploadResponse is returned by the document upload endpoint.
type UploadResponse struct {
	Document *models.Document      `json:"document"`
	Job      *models.ProcessingJob `json:"job"`
}

// DocumentDetailResponse is a document plus its processing estimate.
type DocumentDetailResponse struct {
	*models.Document
	ETA *ETABand `json:"eta,omitempty"`
}

// ETABand is the confidence-banded completion estimate attached to
// unfinished documents.
type ETABand struct {
	MinSeconds  int    `json:"min_seconds"`
	BestSeconds int    `json:"best_seconds"`
	MaxSeconds  int    `json:"max_seconds"`
	Confidence  string `json:"confidence"`
}

// RecoveryStatsResponse is the recovery introspection payload.
type RecoveryStatsResponse struct {
	StaleJobsCount    int                         `json:"stale_jobs_count"`
	RecoveredLastHour int                         `json:"recovered_last_hour"`
	StaleJobs         []*models.ProcessingJob     `json:"stale_jobs"`
	Configuration     RecoveryConfiguration       `json:"configuration"`
	Sweeps            map[string]recovery.Summary `json:"sweeps,omitempty"`
}

// RecoveryConfiguration mirrors the sweeper settings in effect.
type RecoveryConfiguration struct {
	StaleTimeoutMinutes int  `json:"stale_timeout_minutes"`
	MaxRecoveryRetries  int  `json:"max_recovery_retries"`
	RecoveryEnabled     bool `json:"recovery_enabled"`
}

// RateLimitStatusResponse reports window usage per tier for one key.
type RateLimitStatusResponse struct {
	Key     string                `json:"key"`
	Tiers   map[string]TierStatus `json:"tiers"`
	Storage string                `json:"storage"`
}

// TierStatus is one tier's limit and current-window consumption.
type TierStatus struct {
	Limit       int       `json:"limit"`
	Window      string    `json:"window"`
	Description string    `json:"description"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
	Reset       time.Time `json:"reset"`
}

// HealthCheck is one component's health inside the system health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}
