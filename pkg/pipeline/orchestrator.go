package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexpipe/lexpipe/pkg/eta"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/ocr"
	"github.com/lexpipe/lexpipe/pkg/queue"
	"github.com/lexpipe/lexpipe/pkg/services"
)

// JobCreator is the job-creation slice of services.JobService.
type JobCreator interface {
	CreateJob(ctx context.Context, req services.CreateJobRequest) (*models.ProcessingJob, error)
}

// TaskQueue dispatches pipeline tasks. Implemented by queue.TaskStore.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskType string, jobID *string, payload any, runAt time.Time) (*queue.Task, error)
}

// DocumentStatusStore updates the document row's state alongside the job.
type DocumentStatusStore interface {
	GetDocumentInternal(ctx context.Context, documentID string) (*models.Document, error)
	UpdateStatus(ctx context.Context, documentID string, status models.DocumentStatus) error
}

// StatusPublisher broadcasts job and chunk events. Nil disables it.
type StatusPublisher interface {
	PublishJobStatus(ctx context.Context, job *models.ProcessingJob, status models.JobStatus) error
	PublishJobProgress(ctx context.Context, job *models.ProcessingJob) error
}

// Estimator predicts and records document processing times. Implemented by
// eta.Estimator. Nil disables ETAs.
type Estimator interface {
	EstimateDocument(ctx context.Context, pageCount, queueDepth int) eta.Estimate
	RecordSample(ctx context.Context, pageCount int, duration time.Duration) error
}

// HandlerFactory resolves stage names to handlers. Implemented by Stages.
type HandlerFactory interface {
	Handler(stageName string, reporter ocr.ProgressReporter) (StageHandler, error)
}

// Orchestrator walks a claimed job through its stage sequence. It
// implements queue.JobExecutor; dispatch, heartbeat, and terminal status
// transitions belong to the worker pool.
type Orchestrator struct {
	executor  *Executor
	stages    HandlerFactory
	jobs      JobStore
	creator   JobCreator
	documents DocumentStatusStore
	tasks     TaskQueue
	publisher StatusPublisher
	estimator Estimator
}

// NewOrchestrator creates an Orchestrator. publisher and estimator may be nil.
func NewOrchestrator(executor *Executor, stages HandlerFactory, jobs JobStore, creator JobCreator, documents DocumentStatusStore, tasks TaskQueue, publisher StatusPublisher, estimator Estimator) *Orchestrator {
	return &Orchestrator{
		executor:  executor,
		stages:    stages,
		jobs:      jobs,
		creator:   creator,
		documents: documents,
		tasks:     tasks,
		publisher: publisher,
		estimator: estimator,
	}
}

// Start creates a job for the document and dispatches its first task.
func (o *Orchestrator) Start(ctx context.Context, matterID, documentID string, jobType models.JobType) (*models.ProcessingJob, error) {
	stages := StagesFor(jobType)
	if stages == nil {
		return nil, services.NewValidationError("job_type", fmt.Sprintf("no pipeline for job type %s", jobType))
	}

	job, err := o.creator.CreateJob(ctx, services.CreateJobRequest{
		MatterID:    matterID,
		DocumentID:  &documentID,
		JobType:     jobType,
		TotalStages: len(stages),
	})
	if err != nil {
		return nil, err
	}

	if err := o.Dispatch(ctx, job.ID, 0); err != nil {
		return nil, fmt.Errorf("failed to dispatch job %s: %w", job.ID, err)
	}
	if o.publisher != nil {
		if err := o.publisher.PublishJobStatus(ctx, job, models.JobStatusQueued); err != nil {
			slog.Warn("Job status broadcast failed", "job_id", job.ID, "error", err)
		}
	}
	return job, nil
}

// Dispatch enqueues a run task for the job, delayed when delay > 0. Used by
// Start, the retry path, and the recovery sweepers.
func (o *Orchestrator) Dispatch(ctx context.Context, jobID string, delay time.Duration) error {
	runAt := time.Time{}
	if delay > 0 {
		runAt = time.Now().UTC().Add(delay)
	}
	_, err := o.tasks.Enqueue(ctx, queue.TaskTypeRunJob, &jobID, nil, runAt)
	return err
}

// Execute runs the job's remaining stages. Resumption is two-level: the
// stage walk starts at completed_stages, and within the first stage partial
// progress skips finished items.
func (o *Orchestrator) Execute(ctx context.Context, job *models.ProcessingJob) *queue.ExecutionResult {
	stages := StagesFor(job.JobType)
	if stages == nil {
		return &queue.ExecutionResult{
			Status:    models.JobStatusFailed,
			ErrorCode: "UNKNOWN_JOB_TYPE",
			Err:       fmt.Errorf("no pipeline for job type %s", job.JobType),
		}
	}
	if job.DocumentID == nil {
		return &queue.ExecutionResult{
			Status:    models.JobStatusFailed,
			ErrorCode: "NO_DOCUMENT",
			Err:       errors.New("job has no document"),
		}
	}

	if err := o.documents.UpdateStatus(ctx, *job.DocumentID, models.DocumentStatusProcessing); err != nil {
		slog.Warn("Failed to mark document PROCESSING", "document_id", *job.DocumentID, "error", err)
	}
	o.stampEstimate(ctx, job)

	start := job.CompletedStages
	if start < 0 || start > len(stages) {
		start = 0
	}
	for i := start; i < len(stages); i++ {
		handler, err := o.stages.Handler(stages[i], o.chunkReporter(job))
		if err != nil {
			return o.failed(ctx, job, "UNKNOWN_STAGE", err, false)
		}
		if err := o.executor.RunStage(ctx, job, handler, i); err != nil {
			return o.classify(ctx, job, err)
		}
	}

	if err := o.documents.UpdateStatus(ctx, *job.DocumentID, models.DocumentStatusCompleted); err != nil {
		slog.Warn("Failed to mark document COMPLETED", "document_id", *job.DocumentID, "error", err)
	}
	o.recordSample(ctx, job)

	return &queue.ExecutionResult{Status: models.JobStatusCompleted}
}

// classify maps a stage error to the attempt's terminal outcome.
func (o *Orchestrator) classify(ctx context.Context, job *models.ProcessingJob, err error) *queue.ExecutionResult {
	var cancelled *CancelledError
	if errors.As(err, &cancelled) || errors.Is(err, context.Canceled) {
		return &queue.ExecutionResult{Status: models.JobStatusCancelled, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &queue.ExecutionResult{
			Status:    models.JobStatusFailed,
			ErrorCode: "JOB_TIMEOUT",
			Err:       err,
			Retryable: true,
		}
	}

	var poison *PoisonError
	if errors.As(err, &poison) {
		return o.failed(ctx, job, "POISON_PILL", err, false)
	}
	if IsPermanent(err) {
		return o.failed(ctx, job, "STAGE_FAILED", err, false)
	}

	// Transient or unclassified: give the retry budget a chance. The
	// document stays PROCESSING; the stale sweeper owns it if retries
	// never land.
	return &queue.ExecutionResult{
		Status:    models.JobStatusFailed,
		ErrorCode: "STAGE_TRANSIENT",
		Err:       err,
		Retryable: true,
	}
}

// failed marks the document FAILED alongside a non-retryable job failure.
func (o *Orchestrator) failed(ctx context.Context, job *models.ProcessingJob, code string, err error, retryable bool) *queue.ExecutionResult {
	if job.DocumentID != nil {
		if updErr := o.documents.UpdateStatus(ctx, *job.DocumentID, models.DocumentStatusFailed); updErr != nil {
			slog.Warn("Failed to mark document FAILED", "document_id", *job.DocumentID, "error", updErr)
		}
	}
	return &queue.ExecutionResult{
		Status:    models.JobStatusFailed,
		ErrorCode: code,
		Err:       err,
		Retryable: retryable,
	}
}

// stampEstimate writes estimated_completion from current throughput. Best
// effort: a missing estimate never blocks execution.
func (o *Orchestrator) stampEstimate(ctx context.Context, job *models.ProcessingJob) {
	if o.estimator == nil || job.DocumentID == nil {
		return
	}
	doc, err := o.documents.GetDocumentInternal(ctx, *job.DocumentID)
	if err != nil || doc.PageCount <= 0 {
		return
	}
	est := o.estimator.EstimateDocument(ctx, doc.PageCount, 0)
	eta := time.Now().UTC().Add(est.Best)
	if err := o.jobs.UpdateEstimatedCompletion(ctx, job.ID, eta); err != nil {
		slog.Debug("Estimated completion not stored", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) recordSample(ctx context.Context, job *models.ProcessingJob) {
	if o.estimator == nil || job.DocumentID == nil || job.StartedAt == nil {
		return
	}
	doc, err := o.documents.GetDocumentInternal(ctx, *job.DocumentID)
	if err != nil || doc.PageCount <= 0 {
		return
	}
	if err := o.estimator.RecordSample(ctx, doc.PageCount, time.Since(*job.StartedAt)); err != nil {
		slog.Warn("Throughput sample not recorded", "job_id", job.ID, "error", err)
	}
}

// chunkReporter adapts OCR chunk completion into job-level progress: stage
// label "OCR (completed/total chunks)" with the chunk fraction as the
// percentage, and "Merging OCR results" pinned at 95.
func (o *Orchestrator) chunkReporter(job *models.ProcessingJob) ocr.ProgressReporter {
	return &chunkProgressReporter{o: o, job: job}
}

type chunkProgressReporter struct {
	o   *Orchestrator
	job *models.ProcessingJob
}

func (r *chunkProgressReporter) ChunkProgress(ctx context.Context, completed, total int) {
	if total <= 0 {
		return
	}
	// A settling chunk supersedes any failure note from an earlier attempt.
	if err := r.o.jobs.ClearProcessingError(ctx, r.job.ID); err != nil {
		slog.Debug("Chunk failure note not cleared", "job_id", r.job.ID, "error", err)
	}
	pct := completed * 100 / total
	label := fmt.Sprintf("OCR (%d/%d chunks)", completed, total)
	r.report(ctx, label, pct)
}

// ChunkFailed surfaces a retryable chunk failure on the job row so operators
// see what is stalling a PROCESSING job. Cleared when a later attempt lands.
func (r *chunkProgressReporter) ChunkFailed(ctx context.Context, chunk *models.DocumentOCRChunk, err error) {
	msg := fmt.Sprintf("%s failed: %v", chunk.Label(), err)
	if updErr := r.o.jobs.SetProcessingError(ctx, r.job.ID, msg); updErr != nil {
		slog.Debug("Chunk failure note not stored", "job_id", r.job.ID, "error", updErr)
	}
}

func (r *chunkProgressReporter) Merging(ctx context.Context) {
	r.report(ctx, "Merging OCR results", 95)
}

func (r *chunkProgressReporter) report(ctx context.Context, label string, pct int) {
	r.job.CurrentStage = label
	r.job.ProgressPct = pct
	if err := r.o.jobs.UpdateStageProgress(ctx, r.job.ID, label, r.job.CompletedStages, pct, nil); err != nil {
		slog.Debug("Chunk progress update failed", "job_id", r.job.ID, "error", err)
		return
	}
	if r.o.publisher != nil {
		if err := r.o.publisher.PublishJobProgress(ctx, r.job); err != nil {
			slog.Debug("Chunk progress broadcast failed", "job_id", r.job.ID, "error", err)
		}
	}
}
