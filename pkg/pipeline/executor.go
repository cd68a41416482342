package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/lexpipe/lexpipe/pkg/external"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/ocr"
	"github.com/lexpipe/lexpipe/pkg/progress"
)

// Per-item transient retries inside one attempt. Failures that survive
// these are re-raised to the orchestrator, whose backoff budget applies.
const itemRetryAttempts = 3

// itemRetryDelay is a var so tests do not sleep through real backoff.
var itemRetryDelay = 2 * time.Second

// cancelCheckInterval is how many items are processed between re-reads of
// the job row for a cancellation.
const cancelCheckInterval = 5

// JobStore is the slice of services.JobService the executor needs.
type JobStore interface {
	GetJobInternal(ctx context.Context, jobID string) (*models.ProcessingJob, error)
	Heartbeat(ctx context.Context, jobID, claimedBy string) error
	UpdateStageProgress(ctx context.Context, jobID, stageName string, completedStages, progressPct int, eta *time.Time) error
	UpdateEstimatedCompletion(ctx context.Context, jobID string, eta time.Time) error
	SetProcessingError(ctx context.Context, jobID, message string) error
	ClearProcessingError(ctx context.Context, jobID string) error
}

// StageRecorder writes stage history. Implemented by services.StageService.
type StageRecorder interface {
	StartStage(ctx context.Context, jobID, stageName string) (string, error)
	FinishStage(ctx context.Context, historyID string, status models.StageStatus, errorMessage string) error
}

// ProgressPublisher broadcasts within-stage progress. Nil disables it.
type ProgressPublisher interface {
	PublishJobProgress(ctx context.Context, job *models.ProcessingJob) error
}

// Executor runs a single stage of a job: hydrates partial progress, walks
// the remaining items, checkpoints periodically, and records history.
type Executor struct {
	jobs      JobStore
	history   StageRecorder
	tracker   *progress.Tracker
	publisher ProgressPublisher
}

// NewExecutor creates an Executor.
func NewExecutor(jobs JobStore, history StageRecorder, tracker *progress.Tracker, publisher ProgressPublisher) *Executor {
	return &Executor{jobs: jobs, history: history, tracker: tracker, publisher: publisher}
}

// RunStage executes handler for job. stageIndex is the stage's position in
// the pipeline; totalStages sizes the job-level percentage bands. Returns
// nil only when the stage fully completed.
func (e *Executor) RunStage(ctx context.Context, job *models.ProcessingJob, handler StageHandler, stageIndex int) error {
	stageName := handler.Name()
	log := slog.With("job_id", job.ID, "stage", stageName)

	if err := e.jobs.Heartbeat(ctx, job.ID, job.ClaimedBy); err != nil {
		return fmt.Errorf("heartbeat failed entering stage %s: %w", stageName, err)
	}

	items, err := handler.Items(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to enumerate %s items: %w", stageName, err)
	}

	historyID, err := e.history.StartStage(ctx, job.ID, stageName)
	if err != nil {
		return fmt.Errorf("failed to record stage start: %w", err)
	}

	stage := e.tracker.GetOrCreate(job, stageName, len(items))
	job.CurrentStage = stageName
	if err := e.reportProgress(ctx, job, stageIndex, stage.Pct()); err != nil {
		log.Warn("Progress update failed", "error", err)
	}

	runErr := e.runItems(ctx, job, handler, stage, items, stageIndex, log)

	// The stage's record must survive whatever happens next.
	if flushErr := e.tracker.Flush(ctx, stage, true); flushErr != nil {
		log.Error("Final progress flush failed", "error", flushErr)
		if runErr == nil {
			runErr = flushErr
		}
	}

	if runErr != nil {
		var cancelled *CancelledError
		status := models.StageStatusFailed
		if errors.As(runErr, &cancelled) {
			status = models.StageStatusSkipped
		}
		if err := e.history.FinishStage(ctx, historyID, status, runErr.Error()); err != nil {
			log.Error("Failed to record stage end", "error", err)
		}
		return runErr
	}

	if err := e.history.FinishStage(ctx, historyID, models.StageStatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to record stage completion: %w", err)
	}

	// Stage ceiling: the job's percentage band for this stage is done.
	job.CompletedStages = stageIndex + 1
	if err := e.reportProgress(ctx, job, stageIndex+1, 0); err != nil {
		return fmt.Errorf("failed to advance stage progress: %w", err)
	}
	log.Info("Stage completed", "items", len(items))
	return nil
}

// runItems processes the remaining items in declared order.
func (e *Executor) runItems(ctx context.Context, job *models.ProcessingJob, handler StageHandler, stage *progress.Stage, items []string, stageIndex int, log *slog.Logger) error {
	sinceCheck := 0
	for _, itemID := range stage.Remaining(items) {
		if err := ctx.Err(); err != nil {
			return &CancelledError{}
		}
		if sinceCheck >= cancelCheckInterval {
			sinceCheck = 0
			current, err := e.jobs.GetJobInternal(ctx, job.ID)
			if err == nil && current.Status == models.JobStatusCancelled {
				return &CancelledError{}
			}
		}
		sinceCheck++

		if err := e.processItem(ctx, job, handler, itemID); err != nil {
			stage.MarkFailed(itemID, err)

			if stage.Progress.FailureCounts[itemID] >= poisonThreshold {
				return &PoisonError{Stage: handler.Name(), ItemID: itemID, Err: err}
			}
			if IsPermanent(err) && handler.TolerateItemFailures() {
				log.Warn("Item failed permanently, continuing", "item", itemID, "error", err)
				continue
			}
			var chunkErr *ocr.ChunkFailure
			if errors.As(err, &chunkErr) {
				// Already labelled with the chunk and page range; keep the
				// operator-facing message intact.
				return err
			}
			return fmt.Errorf("item %s failed: %w", itemID, err)
		}

		stage.MarkDone(itemID)
		if err := e.tracker.Flush(ctx, stage, false); err != nil {
			log.Warn("Progress flush failed", "error", err)
		}
		if err := e.jobs.Heartbeat(ctx, job.ID, job.ClaimedBy); err != nil {
			return fmt.Errorf("heartbeat lost mid-stage: %w", err)
		}
		if err := e.reportProgress(ctx, job, stageIndex, stage.Pct()); err != nil {
			log.Warn("Progress update failed", "error", err)
		}
	}
	return nil
}

// processItem runs one item with bounded in-attempt retries on transient
// provider failures.
func (e *Executor) processItem(ctx context.Context, job *models.ProcessingJob, handler StageHandler, itemID string) error {
	return retry.Do(
		func() error { return handler.ProcessItem(ctx, job, itemID) },
		retry.Context(ctx),
		retry.Attempts(itemRetryAttempts),
		retry.Delay(itemRetryDelay),
		retry.RetryIf(external.IsTransient),
		retry.LastErrorOnly(true),
	)
}

// reportProgress writes current_stage/completed_stages/progress_pct and
// broadcasts the new numbers. withinStagePct is the stage-internal fraction.
func (e *Executor) reportProgress(ctx context.Context, job *models.ProcessingJob, completedStages, withinStagePct int) error {
	if job.TotalStages <= 0 {
		job.TotalStages = models.DefaultTotalStages
	}
	pct := (completedStages*100 + withinStagePct) / job.TotalStages
	if pct > 100 {
		pct = 100
	}
	job.CompletedStages = completedStages
	job.ProgressPct = pct

	if err := e.jobs.UpdateStageProgress(ctx, job.ID, job.CurrentStage, completedStages, pct, nil); err != nil {
		return err
	}
	if e.publisher != nil {
		if err := e.publisher.PublishJobProgress(ctx, job); err != nil {
			slog.Debug("Progress broadcast failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}
