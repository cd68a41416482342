package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/services"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes job tasks.
type Worker struct {
	id        string
	podID     string
	tasks     *TaskStore
	jobs      *services.JobService
	config    *config.QueueConfig
	executor  JobExecutor
	publisher EventPublisher
	pool      JobRegistry
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// JobRegistry is the subset of WorkerPool used by Worker for cancel registration.
type JobRegistry interface {
	RegisterJob(jobID string, cancel context.CancelFunc)
	UnregisterJob(jobID string)
	Stopping() bool
}

// NewWorker creates a new queue worker. publisher may be nil (broadcasting disabled).
func NewWorker(id, podID string, tasks *TaskStore, jobs *services.JobService, cfg *config.QueueConfig, executor JobExecutor, publisher EventPublisher, pool JobRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		tasks:        tasks,
		jobs:         jobs,
		config:       cfg,
		executor:     executor,
		publisher:    publisher,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing task", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a task, and runs its job.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers but
	//    bounded by WorkerCount and mitigated by poll jitter).
	running, err := w.tasks.CountRunning(ctx)
	if err != nil {
		return fmt.Errorf("checking running tasks: %w", err)
	}
	if running >= w.config.MaxConcurrentJobs {
		return ErrAtCapacity
	}

	// 2. Claim the next due task
	task, err := w.tasks.ClaimNext(ctx, w.podID)
	if err != nil {
		return err
	}

	if task.JobID == nil {
		slog.Warn("Task has no job reference, dropping", "task_id", task.ID, "task_type", task.TaskType)
		return w.tasks.MarkDone(ctx, task.ID)
	}
	jobID := *task.JobID

	log := slog.With("job_id", jobID, "task_id", task.ID, "worker_id", w.id)

	// 3. Load the job and transition QUEUED -> PROCESSING. A terminal job
	//    (cancelled while waiting) absorbs the task silently.
	job, err := w.jobs.GetJobInternal(ctx, jobID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			log.Warn("Job for task no longer exists")
			return w.tasks.MarkDone(ctx, task.ID)
		}
		return fmt.Errorf("loading job: %w", err)
	}
	if job.Status.IsTerminal() {
		log.Info("Job already terminal, dropping task", "status", job.Status)
		return w.tasks.MarkDone(ctx, task.ID)
	}

	if err := w.jobs.MarkProcessing(ctx, jobID, w.podID); err != nil {
		if errors.Is(err, services.ErrTerminalState) || errors.Is(err, services.ErrConcurrentModification) {
			log.Info("Job not claimable, dropping task", "error", err)
			return w.tasks.MarkDone(ctx, task.ID)
		}
		return fmt.Errorf("claiming job: %w", err)
	}
	job.Status = models.JobStatusProcessing
	job.ClaimedBy = w.podID

	log.Info("Job claimed")
	w.publishStatus(ctx, job, models.JobStatusProcessing)
	w.setStatus(WorkerStatusWorking, jobID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 4. Create job context with timeout
	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancelJob()

	// 5. Register cancel function for API-triggered cancellation
	w.pool.RegisterJob(jobID, cancelJob)
	defer w.pool.UnregisterJob(jobID)

	// 6. Start heartbeat. Losing ownership cancels the job context: the
	//    stale sweeper already gave the job to someone else.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, jobID, cancelJob)

	// 7. Execute
	result := w.executor.Execute(jobCtx, job)
	cancelHeartbeat()

	// 8. Nil-guard and context classification
	result = w.classifyResult(jobCtx, result)

	// 9. Terminal handling (background context — job ctx may be cancelled)
	return w.finishJob(context.Background(), task, job, result, log)
}

// classifyResult synthesizes a safe result when the executor returned nil or
// left the status open after a context event.
func (w *Worker) classifyResult(jobCtx context.Context, result *ExecutionResult) *ExecutionResult {
	if result == nil {
		result = &ExecutionResult{}
	}
	if result.Status != "" {
		return result
	}
	switch {
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return &ExecutionResult{
			Status:    models.JobStatusFailed,
			ErrorCode: "JOB_TIMEOUT",
			Err:       fmt.Errorf("job timed out after %v", w.config.JobTimeout),
			Retryable: true,
		}
	case errors.Is(jobCtx.Err(), context.Canceled):
		return &ExecutionResult{Status: models.JobStatusCancelled, Err: context.Canceled}
	default:
		return &ExecutionResult{
			Status:    models.JobStatusFailed,
			ErrorCode: "EXECUTOR_NIL_RESULT",
			Err:       errors.New("executor returned no result"),
		}
	}
}

// finishJob writes the terminal job status and schedules a retry task when
// the failure is transient and budget remains.
func (w *Worker) finishJob(ctx context.Context, task *Task, job *models.ProcessingJob, result *ExecutionResult, log *slog.Logger) error {
	switch result.Status {
	case models.JobStatusCompleted:
		if err := w.jobs.CompleteJob(ctx, job.ID); err != nil && !errors.Is(err, services.ErrTerminalState) {
			log.Error("Failed to complete job", "error", err)
			return err
		}
		w.publishStatus(ctx, job, models.JobStatusCompleted)
		w.bumpProcessed()
		log.Info("Job completed")
		return w.tasks.MarkDone(ctx, task.ID)

	case models.JobStatusCancelled:
		if w.pool.Stopping() {
			// Shutdown, not a user cancel: hand the job back untouched.
			if err := w.jobs.ReleaseJob(ctx, job.ID, w.podID); err != nil {
				log.Warn("Failed to release job on shutdown", "error", err)
			} else {
				log.Info("Job released for another pod")
			}
			return w.tasks.Requeue(ctx, task.ID)
		}
		// The API already CAS'd the row to CANCELLED; nothing to write here.
		w.publishStatus(ctx, job, models.JobStatusCancelled)
		w.bumpProcessed()
		log.Info("Job cancelled")
		return w.tasks.MarkDone(ctx, task.ID)

	default: // FAILED
		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		if result.Retryable {
			err := w.jobs.RequeueForRetry(ctx, job.ID, errMsg)
			switch {
			case err == nil:
				delay := RetryDelay(job.RetryCount) // 0-based attempt counter
				if _, err := w.tasks.Enqueue(ctx, TaskTypeRunJob, &job.ID, nil, time.Now().UTC().Add(delay)); err != nil {
					log.Error("Failed to enqueue retry task", "error", err)
					return err
				}
				w.publishStatus(ctx, job, models.JobStatusQueued)
				w.bumpProcessed()
				log.Info("Job requeued for retry", "retry_count", job.RetryCount+1, "delay", delay)
				return w.tasks.MarkFailed(ctx, task.ID)
			case errors.Is(err, services.ErrRetriesExhausted):
				// Fall through to the final FAILED write below.
			case errors.Is(err, services.ErrTerminalState):
				return w.tasks.MarkDone(ctx, task.ID)
			default:
				log.Error("Failed to requeue job for retry", "error", err)
				return err
			}
		}
		if err := w.jobs.FailJob(ctx, job.ID, result.ErrorCode, errMsg); err != nil && !errors.Is(err, services.ErrTerminalState) {
			log.Error("Failed to mark job failed", "error", err)
			return err
		}
		w.publishStatus(ctx, job, models.JobStatusFailed)
		w.bumpProcessed()
		log.Info("Job failed", "error_code", result.ErrorCode, "error", errMsg)
		return w.tasks.MarkFailed(ctx, task.ID)
	}
}

// runHeartbeat periodically refreshes heartbeat_at. A refresh that reports
// lost ownership cancels the job so the executor stops promptly.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string, cancelJob context.CancelFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.jobs.Heartbeat(ctx, jobID, w.podID)
			if errors.Is(err, services.ErrConcurrentModification) {
				slog.Warn("Job ownership lost, abandoning execution", "job_id", jobID, "pod_id", w.podID)
				cancelJob()
				return
			}
			if err != nil {
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (w *Worker) publishStatus(ctx context.Context, job *models.ProcessingJob, status models.JobStatus) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishJobStatus(ctx, job, status); err != nil {
		slog.Warn("Failed to publish job status", "job_id", job.ID, "status", status, "error", err)
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) bumpProcessed() {
	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
