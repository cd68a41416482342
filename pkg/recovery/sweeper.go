// Package recovery runs the background sweeps that mend job-state
// anomalies: stale PROCESSING jobs whose worker died, QUEUED jobs whose
// dispatch was lost, job rows whose progress drifted behind their stage
// history, and expired OCR chunk artifacts.
//
// All sweeps are idempotent and safe to run from multiple pods; the guarded
// transitions in the job service make concurrent sweepers race-safe.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/models"
)

// redispatchDelay is the countdown before a recovered job's task runs,
// giving its previous worker's writes time to land.
const redispatchDelay = 5 * time.Second

// JobRecoveryStore is the slice of services.JobService the sweepers use.
type JobRecoveryStore interface {
	GetJobInternal(ctx context.Context, jobID string) (*models.ProcessingJob, error)
	ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*models.ProcessingJob, error)
	ListStuckQueued(ctx context.Context, cutoff time.Time, limit int) ([]*models.ProcessingJob, error)
	RecoverJob(ctx context.Context, job *models.ProcessingJob) error
	FailJob(ctx context.Context, jobID, errorCode, errorMessage string) error
	TouchQueued(ctx context.Context, jobID string) error
	ReconcileProgress(ctx context.Context, jobID, currentStage string, completedStages, progressPct int) error
}

// StageReader reads stage history for drift inference.
type StageReader interface {
	CountCompletedStages(ctx context.Context, jobID string) (int, error)
	LatestStage(ctx context.Context, jobID string) (*models.JobStageHistory, error)
}

// Dispatcher re-enqueues pipeline tasks. Implemented by
// pipeline.Orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, delay time.Duration) error
}

// DocumentStatusStore resets document rows alongside job recovery.
type DocumentStatusStore interface {
	UpdateStatus(ctx context.Context, documentID string, status models.DocumentStatus) error
}

// ChunkStore lists and deletes expired chunk rows.
type ChunkStore interface {
	FindStaleGroups(ctx context.Context, cutoff time.Time, limit int) ([]*models.StaleChunkGroup, error)
	DeleteForDocument(ctx context.Context, documentID string) (int64, error)
}

// ChunkJanitor deletes chunk result blobs. Implemented by ocr.Coordinator.
type ChunkJanitor interface {
	CleanupChunks(ctx context.Context, documentID string) (int, []error)
}

// Summary is one sweep's outcome, exposed on the recovery status endpoint.
type Summary struct {
	Checked    int       `json:"checked"`
	Recovered  int       `json:"recovered,omitempty"`
	Failed     int       `json:"failed,omitempty"`
	Dispatched int       `json:"dispatched,omitempty"`
	Synced     int       `json:"synced,omitempty"`
	Suggested  int       `json:"suggested,omitempty"`
	Deleted    int       `json:"deleted,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
	RanAt      time.Time `json:"ran_at"`
}

// Sweeper owns the periodic recovery loops.
type Sweeper struct {
	cfg       *config.RecoveryConfig
	retention *config.RetentionConfig
	jobs      JobRecoveryStore
	stages    StageReader
	documents DocumentStatusStore
	chunks    ChunkStore
	janitor   ChunkJanitor
	dispatch  Dispatcher

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	summaries map[string]Summary
}

// NewSweeper creates a Sweeper. janitor may be nil (blob cleanup skipped).
func NewSweeper(cfg *config.RecoveryConfig, retention *config.RetentionConfig, jobs JobRecoveryStore, stages StageReader, documents DocumentStatusStore, chunks ChunkStore, janitor ChunkJanitor, dispatch Dispatcher) *Sweeper {
	return &Sweeper{
		cfg:       cfg,
		retention: retention,
		jobs:      jobs,
		stages:    stages,
		documents: documents,
		chunks:    chunks,
		janitor:   janitor,
		dispatch:  dispatch,
		summaries: make(map[string]Summary),
	}
}

// Start launches the background sweep loops.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Recovery sweeper started",
		"stale_timeout", s.cfg.StaleTimeout,
		"stuck_queued_threshold", s.cfg.StuckQueuedThreshold,
		"sweep_interval", s.cfg.SweepInterval)
}

// Stop signals the loops to exit and waits for them.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Recovery sweeper stopped")
}

// Status returns the most recent summary per sweep.
func (s *Sweeper) Status() map[string]Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Summary, len(s.summaries))
	for k, v := range s.summaries {
		out[k] = v
	}
	return out
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()
	driftTicker := time.NewTicker(s.cfg.DriftInterval)
	defer driftTicker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			s.sweep(ctx)
		case <-driftTicker.C:
			s.record("drift", s.SweepDrift(ctx))
			s.record("chunk_gc", s.SweepChunkGC(ctx))
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	s.record("stale", s.SweepStale(ctx))
	s.record("stuck_queued", s.SweepStuckQueued(ctx))
}

func (s *Sweeper) record(name string, summary Summary) {
	summary.RanAt = time.Now().UTC()
	s.mu.Lock()
	s.summaries[name] = summary
	s.mu.Unlock()
}

// SweepStale requeues PROCESSING jobs whose worker stopped heartbeating,
// failing them once the recovery budget is spent.
func (s *Sweeper) SweepStale(ctx context.Context) Summary {
	var summary Summary
	cutoff := time.Now().UTC().Add(-s.cfg.StaleTimeout)

	jobs, err := s.jobs.ListStaleProcessing(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary
	}
	summary.Checked = len(jobs)

	for _, job := range jobs {
		if job.Metadata.RecoveryAttempts >= s.cfg.MaxRecoveryRetries {
			msg := fmt.Sprintf("Job failed after %d recovery attempts", job.Metadata.RecoveryAttempts)
			if err := s.jobs.FailJob(ctx, job.ID, "RECOVERY_EXHAUSTED", msg); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("fail %s: %v", job.ID, err))
				continue
			}
			if job.DocumentID != nil {
				if err := s.documents.UpdateStatus(ctx, *job.DocumentID, models.DocumentStatusFailed); err != nil {
					summary.Errors = append(summary.Errors, fmt.Sprintf("document %s: %v", *job.DocumentID, err))
				}
			}
			summary.Failed++
			slog.Warn("Stale job failed permanently", "job_id", job.ID,
				"recovery_attempts", job.Metadata.RecoveryAttempts)
			continue
		}

		if err := s.jobs.RecoverJob(ctx, job); err != nil {
			// The worker came back or another pod's sweeper won the race.
			slog.Debug("Stale job not recovered", "job_id", job.ID, "error", err)
			continue
		}
		if job.DocumentID != nil {
			if err := s.documents.UpdateStatus(ctx, *job.DocumentID, models.DocumentStatusPending); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("document %s: %v", *job.DocumentID, err))
			}
		}
		if err := s.dispatch.Dispatch(ctx, job.ID, redispatchDelay); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("dispatch %s: %v", job.ID, err))
			continue
		}
		summary.Recovered++
		slog.Info("Stale job requeued", "job_id", job.ID,
			"recovered_from_stage", job.CurrentStage,
			"recovery_attempt", job.Metadata.RecoveryAttempts+1)
	}
	return summary
}

// Outcome is the result of a single-job recovery requested by an operator.
type Outcome struct {
	JobID  string `json:"job_id"`
	Action string `json:"action"` // recovered | failed
}

// RecoverOne forces recovery of one PROCESSING job, bypassing the staleness
// cutoff but not the recovery budget. Used by the manual recovery endpoint.
func (s *Sweeper) RecoverOne(ctx context.Context, jobID string) (*Outcome, error) {
	job, err := s.jobs.GetJobInternal(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusProcessing {
		return nil, fmt.Errorf("job is %s, only PROCESSING jobs can be recovered", job.Status)
	}

	if job.Metadata.RecoveryAttempts >= s.cfg.MaxRecoveryRetries {
		msg := fmt.Sprintf("Job failed after %d recovery attempts", job.Metadata.RecoveryAttempts)
		if err := s.jobs.FailJob(ctx, job.ID, "RECOVERY_EXHAUSTED", msg); err != nil {
			return nil, err
		}
		if job.DocumentID != nil {
			if err := s.documents.UpdateStatus(ctx, *job.DocumentID, models.DocumentStatusFailed); err != nil {
				slog.Error("Failed to mark document failed", "document_id", *job.DocumentID, "error", err)
			}
		}
		return &Outcome{JobID: job.ID, Action: "failed"}, nil
	}

	if err := s.jobs.RecoverJob(ctx, job); err != nil {
		return nil, err
	}
	if job.DocumentID != nil {
		if err := s.documents.UpdateStatus(ctx, *job.DocumentID, models.DocumentStatusPending); err != nil {
			slog.Error("Failed to reset document", "document_id", *job.DocumentID, "error", err)
		}
	}
	if err := s.dispatch.Dispatch(ctx, job.ID, redispatchDelay); err != nil {
		return nil, err
	}
	slog.Info("Job recovered by operator request", "job_id", job.ID)
	return &Outcome{JobID: job.ID, Action: "recovered"}, nil
}

// SweepStuckQueued re-dispatches QUEUED jobs whose task never arrived.
func (s *Sweeper) SweepStuckQueued(ctx context.Context) Summary {
	var summary Summary
	cutoff := time.Now().UTC().Add(-s.cfg.StuckQueuedThreshold)

	jobs, err := s.jobs.ListStuckQueued(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary
	}
	summary.Checked = len(jobs)

	for _, job := range jobs {
		if err := s.dispatch.Dispatch(ctx, job.ID, 0); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("dispatch %s: %v", job.ID, err))
			continue
		}
		// Touch so the next sweep does not dispatch a duplicate before a
		// worker claims this one.
		if err := s.jobs.TouchQueued(ctx, job.ID); err != nil {
			slog.Debug("Stuck job not touched", "job_id", job.ID, "error", err)
		}
		summary.Dispatched++
		slog.Info("Stuck queued job re-dispatched", "job_id", job.ID, "stage", job.CurrentStage)
	}
	return summary
}

// SweepDrift reconciles job rows whose recorded progress lags what the
// stage history shows actually happened. Writes are applied only when the
// history is ahead and no stage is actively running; everything else is
// surfaced as a suggestion in the summary.
func (s *Sweeper) SweepDrift(ctx context.Context) Summary {
	var summary Summary
	cutoff := time.Now().UTC().Add(-s.cfg.StaleTimeout)

	jobs, err := s.jobs.ListStaleProcessing(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary
	}
	queued, err := s.jobs.ListStuckQueued(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	} else {
		jobs = append(jobs, queued...)
	}
	summary.Checked = len(jobs)

	for _, job := range jobs {
		inferred, err := s.stages.CountCompletedStages(ctx, job.ID)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("history %s: %v", job.ID, err))
			continue
		}
		if inferred <= job.CompletedStages {
			continue
		}

		latest, err := s.stages.LatestStage(ctx, job.ID)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("latest %s: %v", job.ID, err))
			continue
		}
		if latest != nil && latest.Status == models.StageStatusInProgress &&
			latest.StartedAt != nil && latest.StartedAt.After(cutoff) {
			// A worker is (or very recently was) inside a stage; suggest
			// instead of stomping its writes.
			summary.Suggested++
			slog.Info("Progress drift detected but suppressed",
				"job_id", job.ID, "recorded", job.CompletedStages, "inferred", inferred)
			continue
		}

		total := job.TotalStages
		if total <= 0 {
			total = models.DefaultTotalStages
		}
		pct := inferred * 100 / total
		stageName := ""
		if latest != nil {
			stageName = latest.StageName
		}
		if err := s.jobs.ReconcileProgress(ctx, job.ID, stageName, inferred, pct); err != nil {
			slog.Debug("Drift reconcile skipped", "job_id", job.ID, "error", err)
			continue
		}
		summary.Synced++
		slog.Info("Job progress reconciled", "job_id", job.ID,
			"from", job.CompletedStages, "to", inferred)
	}
	return summary
}

// SweepChunkGC deletes chunk rows and result blobs for documents untouched
// past the retention window. Per-document blob failures are logged and
// counted, never fatal to the sweep.
func (s *Sweeper) SweepChunkGC(ctx context.Context) Summary {
	var summary Summary
	cutoff := time.Now().UTC().Add(-s.retention.ChunkRetention)

	groups, err := s.chunks.FindStaleGroups(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		return summary
	}
	summary.Checked = len(groups)

	for _, group := range groups {
		if s.janitor != nil {
			if _, errs := s.janitor.CleanupChunks(ctx, group.DocumentID); len(errs) > 0 {
				for _, blobErr := range errs {
					summary.Errors = append(summary.Errors,
						fmt.Sprintf("blob %s: %v", group.DocumentID, blobErr))
				}
			}
		}
		deleted, err := s.chunks.DeleteForDocument(ctx, group.DocumentID)
		if err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("rows %s: %v", group.DocumentID, err))
			continue
		}
		summary.Deleted += int(deleted)
		slog.Info("Expired OCR chunks deleted",
			"document_id", group.DocumentID, "rows", deleted)
	}
	return summary
}
