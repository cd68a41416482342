package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/matter"
	"github.com/lexpipe/lexpipe/pkg/models"
)

// jobColumns is the canonical select list; scanJob must stay in sync with it.
const jobColumns = `id, matter_id, document_id, job_type, status, current_stage,
	total_stages, completed_stages, progress_pct, retry_count, max_retries,
	heartbeat_at, started_at, completed_at, estimated_completion,
	error_message, error_code, claimed_by, metadata, created_at, updated_at`

// JobService manages the processing_jobs table. All status transitions are
// compare-and-swap updates guarded on the current status, so a terminal row
// can never be flipped back by a late worker or sweeper.
type JobService struct {
	db *sql.DB
}

// NewJobService creates a new JobService
func NewJobService(db *sql.DB) *JobService {
	return &JobService{db: db}
}

// CreateJobRequest carries the caller-supplied fields for a new job.
type CreateJobRequest struct {
	MatterID   string         `json:"matter_id"`
	DocumentID *string        `json:"document_id,omitempty"`
	JobType    models.JobType `json:"job_type"`
	MaxRetries int            `json:"max_retries,omitempty"`

	// TotalStages overrides the default stage count; single-stage job types
	// (embed-only, extract-only) pass 1.
	TotalStages int `json:"total_stages,omitempty"`
}

// CreateJob inserts a new QUEUED job.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*models.ProcessingJob, error) {
	matterID, err := matter.ValidateID(req.MatterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}
	if req.JobType == "" {
		return nil, NewValidationError("job_type", "required")
	}
	if req.DocumentID != nil {
		if _, err := uuid.Parse(*req.DocumentID); err != nil {
			return nil, NewValidationError("document_id", "must be a UUID")
		}
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	totalStages := req.TotalStages
	if totalStages <= 0 {
		totalStages = models.DefaultTotalStages
	}

	job := &models.ProcessingJob{
		ID:          uuid.New().String(),
		MatterID:    matterID,
		DocumentID:  req.DocumentID,
		JobType:     req.JobType,
		Status:      models.JobStatusQueued,
		TotalStages: totalStages,
		MaxRetries:  maxRetries,
		Metadata:    models.JobMetadata{},
	}

	metaJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO processing_jobs
			(id, matter_id, document_id, job_type, status, total_stages, max_retries, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		job.ID, job.MatterID, job.DocumentID, job.JobType, job.Status,
		job.TotalStages, job.MaxRetries, metaJSON)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return job, nil
}

// GetJob fetches a job scoped to a matter.
func (s *JobService) GetJob(ctx context.Context, matterID, jobID string) (*models.ProcessingJob, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1 AND matter_id = $2`,
		jobID, matterID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return matter.ValidateRow(job, matterID)
}

// getJobAnyMatter fetches a job without a matter filter. Internal callers
// only (workers and sweepers operate across matters).
func (s *JobService) getJobAnyMatter(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

// GetJobInternal fetches a job by ID for workers and sweepers.
func (s *JobService) GetJobInternal(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	return s.getJobAnyMatter(ctx, jobID)
}

// ListJobsFilter narrows ListJobs results.
type ListJobsFilter struct {
	Status     models.JobStatus
	DocumentID string
	Limit      int
	Offset     int
}

// ListJobs returns a matter's jobs, newest first.
func (s *JobService) ListJobs(ctx context.Context, matterID string, filter ListJobsFilter) ([]*models.ProcessingJob, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}

	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE matter_id = $1`
	args := []any{matterID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		query += fmt.Sprintf(" AND document_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
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
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return matter.ValidateRows(jobs, matterID)
}

// CountJobs returns the total row count for a ListJobs query, for pagination.
func (s *JobService) CountJobs(ctx context.Context, matterID string, filter ListJobsFilter) (int, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return 0, NewValidationError("matter_id", err.Error())
	}

	query := `SELECT COUNT(*) FROM processing_jobs WHERE matter_id = $1`
	args := []any{matterID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		query += fmt.Sprintf(" AND document_id = $%d", len(args))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// MarkProcessing transitions QUEUED -> PROCESSING and records the claiming pod.
func (s *JobService) MarkProcessing(ctx context.Context, jobID, claimedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET status = $1, claimed_by = $2, started_at = COALESCE(started_at, now()),
			heartbeat_at = now(), error_message = '', error_code = '', updated_at = now()
		WHERE id = $3 AND status = $4`,
		models.JobStatusProcessing, claimedBy, jobID, models.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	return s.checkTransition(ctx, res, jobID)
}

// Heartbeat refreshes heartbeat_at for a job this pod still owns. A zero-row
// update means ownership was lost (stale recovery reclaimed it) and the
// worker must abandon the job.
func (s *JobService) Heartbeat(ctx context.Context, jobID, claimedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET heartbeat_at = now(), updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = $3`,
		jobID, claimedBy, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
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

// UpdateStageProgress records stage advancement on a PROCESSING job.
func (s *JobService) UpdateStageProgress(ctx context.Context, jobID, stageName string, completedStages, progressPct int, eta *time.Time) error {
	if progressPct < 0 {
		progressPct = 0
	}
	if progressPct > 100 {
		progressPct = 100
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET current_stage = $1, completed_stages = $2, progress_pct = $3,
			estimated_completion = $4, updated_at = now()
		WHERE id = $5 AND status = $6`,
		stageName, completedStages, progressPct, eta, jobID, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update stage progress: %w", err)
	}
	return s.checkTransition(ctx, res, jobID)
}

// SavePartialProgress persists one stage's item-level checkpoint into the
// job's metadata. Only valid while the job is PROCESSING.
func (s *JobService) SavePartialProgress(ctx context.Context, jobID, stageName string, progress *models.StageProgress) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal stage progress: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET metadata = jsonb_set(
				jsonb_set(metadata, '{partial_progress}', COALESCE(metadata->'partial_progress', '{}'::jsonb)),
				ARRAY['partial_progress', $1::text], $2::jsonb),
			updated_at = now()
		WHERE id = $3 AND status = $4`,
		stageName, progressJSON, jobID, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to save partial progress: %w", err)
	}
	return s.checkTransition(ctx, res, jobID)
}

// ClearPartialProgress drops a stage's checkpoint after the stage completes.
func (s *JobService) ClearPartialProgress(ctx context.Context, jobID, stageName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET metadata = metadata #- ARRAY['partial_progress', $1::text], updated_at = now()
		WHERE id = $2`,
		stageName, jobID)
	if err != nil {
		return fmt.Errorf("failed to clear partial progress: %w", err)
	}
	return nil
}

// CompleteJob transitions PROCESSING -> COMPLETED with 100% progress.
func (s *JobService) CompleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET status = $1, progress_pct = 100, completed_stages = total_stages,
			completed_at = now(), estimated_completion = NULL, updated_at = now()
		WHERE id = $2 AND status = $3`,
		models.JobStatusCompleted, jobID, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return s.checkTransition(ctx, res, jobID)
}

// FailJob transitions a non-terminal job to FAILED with an error code and message.
func (s *JobService) FailJob(ctx context.Context, jobID, errorCode, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET status = $1, error_code = $2, error_message = $3,
			completed_at = now(), estimated_completion = NULL, updated_at = now()
		WHERE id = $4 AND status IN ($5, $6)`,
		models.JobStatusFailed, errorCode, errorMessage, jobID,
		models.JobStatusQueued, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return s.checkTransition(ctx, res, jobID)
}

// SetProcessingError records an error on a PROCESSING job without changing
// its status. Used while chunk retries are still in flight so operators can
// see what is being retried.
func (s *JobService) SetProcessingError(ctx context.Context, jobID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET error_message = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		message, jobID, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to set processing error: %w", err)
	}
	return nil
}

// ClearProcessingError removes the transient error once a retry landed.
func (s *JobService) ClearProcessingError(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET error_message = '', updated_at = now()
		WHERE id = $1 AND status = $2 AND error_message <> ''`,
		jobID, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to clear processing error: %w", err)
	}
	return nil
}

// RequeueForRetry puts a PROCESSING job back to QUEUED with retry_count
// incremented. The retry_count < max_retries guard is in SQL so two racing
// callers cannot both push the job past its budget.
func (s *JobService) RequeueForRetry(ctx context.Context, jobID, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET status = $1, retry_count = retry_count + 1, claimed_by = '',
			heartbeat_at = NULL, error_message = $2, updated_at = now()
		WHERE id = $3 AND status = $4 AND retry_count < max_retries`,
		models.JobStatusQueued, errorMessage, jobID, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		job, err := s.getJobAnyMatter(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return ErrTerminalState
		}
		if job.RetryCount >= job.MaxRetries {
			return ErrRetriesExhausted
		}
		return ErrConcurrentModification
	}
	return nil
}

// CancelJob transitions a non-terminal job to CANCELLED. Cancelling an
// already-terminal job returns ErrTerminalState; the API maps that to 409.
func (s *JobService) CancelJob(ctx context.Context, matterID, jobID string) (*models.ProcessingJob, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET status = $1, completed_at = now(), estimated_completion = NULL, updated_at = now()
		WHERE id = $2 AND matter_id = $3 AND status IN ($4, $5)`,
		models.JobStatusCancelled, jobID, matterID,
		models.JobStatusQueued, models.JobStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	job, err := s.GetJob(ctx, matterID, jobID)
	if err != nil {
		return nil, err
	}
	if n == 0 && job.Status != models.JobStatusCancelled {
		return nil, ErrTerminalState
	}
	return job, nil
}

// SkipJob transitions a non-terminal job to SKIPPED, recording the operator's
// reason. Like CancelJob, skipping an already-terminal job is a 409.
func (s *JobService) SkipJob(ctx context.Context, matterID, jobID, reason string) (*models.ProcessingJob, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs
		SET status = $1, completed_at = now(), estimated_completion = NULL,
			error_message = $2, error_code = 'SKIPPED_BY_OPERATOR', updated_at = now()
		WHERE id = $3 AND matter_id = $4 AND status IN ($5, $6)`,
		models.JobStatusSkipped, reason, jobID, matterID,
		models.JobStatusQueued, models.JobStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to skip job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	job, err := s.GetJob(ctx, matterID, jobID)
	if err != nil {
		return nil, err
	}
	if n == 0 && job.Status != models.JobStatusSkipped {
		return nil, ErrTerminalState
	}
	return job, nil
}

// RetryJob manually requeues a FAILED or CANCELLED job. Partial progress is
// kept so the rerun resumes where it stopped; restart=true clears the stage
// cursor and checkpoints for a from-scratch run.
func (s *JobService) RetryJob(ctx context.Context, matterID, jobID string, restart bool) (*models.ProcessingJob, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}

	query := `UPDATE processing_jobs
		SET status = $1, retry_count = 0, claimed_by = '', heartbeat_at = NULL,
			error_message = '', error_code = '', completed_at = NULL,
			progress_pct = 0, updated_at = now()`
	if restart {
		query += `, current_stage = '', completed_stages = 0,
			metadata = metadata - 'partial_progress'`
	}
	query += ` WHERE id = $2 AND matter_id = $3 AND status IN ($4, $5)`

	res, err := s.db.ExecContext(ctx, query,
		models.JobStatusQueued, jobID, matterID,
		models.JobStatusFailed, models.JobStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to retry job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		job, err := s.GetJob(ctx, matterID, jobID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job is %s, only FAILED or CANCELLED jobs can be retried",
			ErrInvalidInput, job.Status)
	}
	return s.GetJob(ctx, matterID, jobID)
}

// UpdateEstimatedCompletion sets the ETA on a PROCESSING job.
func (s *JobService) UpdateEstimatedCompletion(ctx context.Context, jobID string, eta time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET estimated_completion = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		eta, jobID, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update estimated completion: %w", err)
	}
	return nil
}

// GetQueueStats aggregates job counts and average processing time for a matter.
func (s *JobService) GetQueueStats(ctx context.Context, matterID string) (*models.QueueStats, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}

	stats := &models.QueueStats{
		MatterID: matterID,
		ByStatus: map[models.JobStatus]int{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM processing_jobs WHERE matter_id = $1 GROUP BY status`,
		matterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats.ByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue stats: %w", err)
	}

	var avgMS sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
		FROM processing_jobs
		WHERE matter_id = $1 AND status = $2 AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		matterID, models.JobStatusCompleted).Scan(&avgMS)
	if err != nil {
		return nil, fmt.Errorf("failed to query average processing time: %w", err)
	}
	if avgMS.Valid {
		stats.AvgProcessingMS = int64(avgMS.Float64)
	}

	return stats, nil
}

// checkTransition inspects a CAS update result and classifies a zero-row
// outcome: missing row, terminal row, or a race.
func (s *JobService) checkTransition(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	job, err := s.getJobAnyMatter(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return ErrTerminalState
	}
	return ErrConcurrentModification
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.ProcessingJob, error) {
	var (
		job         models.ProcessingJob
		documentID  sql.NullString
		heartbeatAt sql.NullTime
		startedAt   sql.NullTime
		completedAt sql.NullTime
		estimated   sql.NullTime
		metaJSON    []byte
	)
	err := row.Scan(
		&job.ID, &job.MatterID, &documentID, &job.JobType, &job.Status,
		&job.CurrentStage, &job.TotalStages, &job.CompletedStages, &job.ProgressPct,
		&job.RetryCount, &job.MaxRetries,
		&heartbeatAt, &startedAt, &completedAt, &estimated,
		&job.ErrorMessage, &job.ErrorCode, &job.ClaimedBy, &metaJSON,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if documentID.Valid {
		job.DocumentID = &documentID.String
	}
	if heartbeatAt.Valid {
		job.HeartbeatAt = &heartbeatAt.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if estimated.Valid {
		job.EstimatedCompletion = &estimated.Time
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job metadata: %w", err)
		}
	}

	return &job, nil
}
