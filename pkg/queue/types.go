// Package queue provides the durable task queue and worker pool that drive
// job execution. Tasks are rows in the tasks table; workers claim them with
// FOR UPDATE SKIP LOCKED so any number of pods can poll the same database.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoTasksAvailable indicates no claimable tasks are due.
	ErrNoTasksAvailable = errors.New("no tasks available")

	// ErrAtCapacity indicates the global concurrent job limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// TaskStatus is the lifecycle state of a queued task row.
type TaskStatus string

// Task status constants.
const (
	TaskStatusQueued  TaskStatus = "QUEUED"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusDone    TaskStatus = "DONE"
	TaskStatusFailed  TaskStatus = "FAILED"
)

// TaskTypeRunJob executes the pipeline for the referenced job.
const TaskTypeRunJob = "run_job"

// Task is one row of deferred work. run_at in the future implements retry
// backoff without any in-memory timers.
type Task struct {
	ID        string          `json:"id"`
	TaskType  string          `json:"task_type"`
	JobID     *string         `json:"job_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    TaskStatus      `json:"status"`
	Attempts  int             `json:"attempts"`
	RunAt     time.Time       `json:"run_at"`
	ClaimedBy string          `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// JobExecutor runs the pipeline for one claimed job.
//
// The executor owns the entire run internally: it walks the stage sequence,
// resumes from partial progress, and writes stage history and checkpoints
// progressively. The worker only handles claiming, the heartbeat, terminal
// status, and retry scheduling.
type JobExecutor interface {
	Execute(ctx context.Context, job *models.ProcessingJob) *ExecutionResult
}

// ExecutionResult is the terminal outcome of one execution attempt. All
// intermediate state was already persisted by the executor.
type ExecutionResult struct {
	Status    models.JobStatus // COMPLETED, FAILED, or CANCELLED
	ErrorCode string
	Err       error
	Retryable bool // transient failure: worth another attempt
}

// EventPublisher broadcasts job status changes. Nil disables broadcasting.
type EventPublisher interface {
	PublishJobStatus(ctx context.Context, job *models.ProcessingJob, status models.JobStatus) error
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveJobs       int            `json:"active_jobs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
