package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// StageService manages the job_stage_history audit log. Entries are
// append-mostly: a stage row is created when the stage starts and finished
// exactly once.
type StageService struct {
	db *sql.DB
}

// NewStageService creates a new StageService
func NewStageService(db *sql.DB) *StageService {
	return &StageService{db: db}
}

// StartStage records a stage transitioning to IN_PROGRESS and returns the
// history entry ID the executor finishes later.
func (s *StageService) StartStage(ctx context.Context, jobID, stageName string) (string, error) {
	if stageName == "" {
		return "", NewValidationError("stage_name", "required")
	}
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_stage_history (id, job_id, stage_name, status, started_at)
		VALUES ($1, $2, $3, $4, now())`,
		id, jobID, stageName, models.StageStatusInProgress)
	if err != nil {
		return "", fmt.Errorf("failed to start stage: %w", err)
	}
	return id, nil
}

// FinishStage marks an IN_PROGRESS entry COMPLETED, FAILED, or SKIPPED.
func (s *StageService) FinishStage(ctx context.Context, historyID string, status models.StageStatus, errorMessage string) error {
	switch status {
	case models.StageStatusCompleted, models.StageStatusFailed, models.StageStatusSkipped:
	default:
		return NewValidationError("status", fmt.Sprintf("cannot finish a stage with status %s", status))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_stage_history
		SET status = $1, error_message = $2, completed_at = now()
		WHERE id = $3 AND status = $4`,
		status, errorMessage, historyID, models.StageStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to finish stage: %w", err)
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

// SetStageMetadata attaches arbitrary JSON to a history entry (chunk counts,
// item totals) for the timeline view.
func (s *StageService) SetStageMetadata(ctx context.Context, historyID string, metadata any) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal stage metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE job_stage_history SET metadata = $1 WHERE id = $2`,
		metaJSON, historyID)
	if err != nil {
		return fmt.Errorf("failed to set stage metadata: %w", err)
	}
	return nil
}

// ListStageHistory returns a job's stage entries in start order.
func (s *StageService) ListStageHistory(ctx context.Context, jobID string) ([]*models.JobStageHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, stage_name, status, started_at, completed_at, error_message, metadata
		FROM job_stage_history WHERE job_id = $1 ORDER BY started_at NULLS LAST, id`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage history: %w", err)
	}
	defer rows.Close()

	var entries []*models.JobStageHistory
	for rows.Next() {
		var (
			e           models.JobStageHistory
			startedAt   sql.NullTime
			completedAt sql.NullTime
			metaJSON    []byte
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.StageName, &e.Status,
			&startedAt, &completedAt, &e.ErrorMessage, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan stage history: %w", err)
		}
		if startedAt.Valid {
			e.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		if len(metaJSON) > 0 {
			e.Metadata = json.RawMessage(metaJSON)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage history: %w", err)
	}
	return entries, nil
}

// LatestStage returns the most recent history entry for a job, or ErrNotFound.
// The drift reconciler uses it to tell whether a fresh stage run is underway.
func (s *StageService) LatestStage(ctx context.Context, jobID string) (*models.JobStageHistory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, stage_name, status, started_at, completed_at, error_message, metadata
		FROM job_stage_history WHERE job_id = $1
		ORDER BY started_at DESC NULLS LAST, id DESC LIMIT 1`,
		jobID)

	var (
		e           models.JobStageHistory
		startedAt   sql.NullTime
		completedAt sql.NullTime
		metaJSON    []byte
	)
	err := row.Scan(&e.ID, &e.JobID, &e.StageName, &e.Status,
		&startedAt, &completedAt, &e.ErrorMessage, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan latest stage: %w", err)
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if len(metaJSON) > 0 {
		e.Metadata = json.RawMessage(metaJSON)
	}
	return &e, nil
}

// CountCompletedStages counts COMPLETED entries for a job. The drift
// reconciler compares this against the job row's completed_stages.
func (s *StageService) CountCompletedStages(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_stage_history WHERE job_id = $1 AND status = $2`,
		jobID, models.StageStatusCompleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed stages: %w", err)
	}
	return n, nil
}
