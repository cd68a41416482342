package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// Recovery queries used by the sweepers. Kept with the job service so every
// status mutation lives behind the same CAS discipline.

// ListStaleProcessing returns PROCESSING jobs whose last sign of life
// (heartbeat_at, else updated_at) is older than cutoff.
func (s *JobService) ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*models.ProcessingJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs
		WHERE status = $1 AND COALESCE(heartbeat_at, updated_at) < $2
		ORDER BY COALESCE(heartbeat_at, updated_at)
		LIMIT $3`,
		models.JobStatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale jobs: %w", err)
	}
	return jobs, nil
}

// ListStuckQueued returns QUEUED jobs untouched since cutoff. These are jobs
// whose enqueue-side task was lost (crash between job insert and task insert).
func (s *JobService) ListStuckQueued(ctx context.Context, cutoff time.Time, limit int) ([]*models.ProcessingJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`,
		models.JobStatusQueued, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stuck queued jobs: %w", err)
	}
	return jobs, nil
}

// ListOrphanedByPod returns PROCESSING jobs claimed by pods not in alive.
// Used by the startup orphan pass: a restarted pod reclaims work that died
// with its predecessor without waiting for the stale timeout.
func (s *JobService) ListOrphanedByPod(ctx context.Context, alive []string, limit int) ([]*models.ProcessingJob, error) {
	if limit <= 0 {
		limit = 100
	}
	// Postgres ANY over an empty array matches nothing, so an empty alive
	// set means every PROCESSING job is orphaned.
	aliveJSON, err := json.Marshal(alive)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alive pods: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs
		WHERE status = $1 AND claimed_by != ''
			AND NOT (claimed_by = ANY (SELECT jsonb_array_elements_text($2::jsonb)))
		ORDER BY updated_at
		LIMIT $3`,
		models.JobStatusProcessing, aliveJSON, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orphaned jobs: %w", err)
	}
	return jobs, nil
}

// CountRecoveredSince counts jobs whose last recovery landed after since.
// Feeds the recovery stats endpoint.
func (s *JobService) CountRecoveredSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processing_jobs
		WHERE (metadata->>'last_recovery_at')::timestamptz > $1`,
		since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered jobs: %w", err)
	}
	return count, nil
}

// RecoverJob requeues a stale PROCESSING job, recording the recovery attempt
// in metadata. The recovery budget check belongs to the caller; this method
// only performs the guarded transition.
func (s *JobService) RecoverJob(ctx context.Context, job *models.ProcessingJob) error {
	meta := job.Metadata
	meta.RecoveryAttempts++
	now := time.Now().UTC()
	meta.LastRecoveryAt = &now
	meta.RecoveredFromStage = job.CurrentStage

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal recovery metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET status = $1, claimed_by = '', heartbeat_at = NULL,
			metadata = $2, updated_at = now()
		WHERE id = $3 AND status = $4 AND COALESCE(heartbeat_at, updated_at) = $5`,
		models.JobStatusQueued, metaJSON, job.ID,
		models.JobStatusProcessing, job.StaleReference())
	if err != nil {
		return fmt.Errorf("failed to recover job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// The worker came back (fresh heartbeat) or another sweeper won.
		return ErrConcurrentModification
	}
	return nil
}

// ReleaseJob puts a PROCESSING job this pod owns back to QUEUED without
// burning retry budget. Used during graceful shutdown: the job did nothing
// wrong, the pod is just going away.
func (s *JobService) ReleaseJob(ctx context.Context, jobID, claimedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET status = $1, claimed_by = '', heartbeat_at = NULL, updated_at = now()
		WHERE id = $2 AND claimed_by = $3 AND status = $4`,
		models.JobStatusQueued, jobID, claimedBy, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// TouchQueued bumps a QUEUED job's updated_at so the stuck-queued sweeper
// does not re-dispatch it on the very next sweep.
func (s *JobService) TouchQueued(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET updated_at = now()
		WHERE id = $1 AND status = $2`,
		jobID, models.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to touch job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// ReconcileProgress writes stage counters inferred from history onto the job
// row. The drift reconciler only calls this when the inferred position is
// ahead of the stored one. Drift shows up both on PROCESSING jobs and on
// QUEUED jobs sitting between recovery and redispatch, so both states accept
// the write; terminal jobs never do.
func (s *JobService) ReconcileProgress(ctx context.Context, jobID, currentStage string, completedStages, progressPct int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET current_stage = $1, completed_stages = $2, progress_pct = $3, updated_at = now()
		WHERE id = $4 AND status IN ($5, $6) AND completed_stages < $2`,
		currentStage, completedStages, progressPct, jobID,
		models.JobStatusProcessing, models.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to reconcile progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	return nil
}
