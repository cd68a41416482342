package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, task_type, job_id, payload, status, attempts, run_at,
	claimed_by, claimed_at, created_at, updated_at`

// TaskStore persists tasks in the tasks table.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a new TaskStore
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Enqueue inserts a task due at runAt. A zero runAt means due immediately.
func (s *TaskStore) Enqueue(ctx context.Context, taskType string, jobID *string, payload any, runAt time.Time) (*Task, error) {
	if taskType == "" {
		return nil, errors.New("task type required")
	}
	payloadJSON := []byte("{}")
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task payload: %w", err)
		}
	}
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}

	task := &Task{
		ID:       uuid.New().String(),
		TaskType: taskType,
		JobID:    jobID,
		Payload:  payloadJSON,
		Status:   TaskStatusQueued,
		RunAt:    runAt,
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO tasks (id, task_type, job_id, payload, status, run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		task.ID, task.TaskType, task.JobID, payloadJSON, task.Status, task.RunAt)
	if err := row.Scan(&task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return task, nil
}

// ClaimNext atomically claims the oldest due task using FOR UPDATE SKIP
// LOCKED. Returns ErrNoTasksAvailable when the queue is empty.
func (s *TaskStore) ClaimNext(ctx context.Context, claimedBy string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE tasks
		SET status = $1, claimed_by = $2, claimed_at = now(),
			attempts = attempts + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = $3 AND run_at <= now()
			ORDER BY run_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+taskColumns,
		TaskStatusRunning, claimedBy, TaskStatusQueued)
	task, err := scanTask(row)
	if errors.Is(err, errTaskNotFound) {
		return nil, ErrNoTasksAvailable
	}
	return task, err
}

// MarkDone finishes a RUNNING task.
func (s *TaskStore) MarkDone(ctx context.Context, taskID string) error {
	return s.finish(ctx, taskID, TaskStatusDone)
}

// MarkFailed finishes a RUNNING task as failed. The job-level retry already
// enqueued a fresh task; the failed row is kept for observability.
func (s *TaskStore) MarkFailed(ctx context.Context, taskID string) error {
	return s.finish(ctx, taskID, TaskStatusFailed)
}

func (s *TaskStore) finish(ctx context.Context, taskID string, status TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		status, taskID, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s is not running", taskID)
	}
	return nil
}

// Requeue puts a RUNNING task back to QUEUED (shutdown release).
func (s *TaskStore) Requeue(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, claimed_by = '', claimed_at = NULL, updated_at = now()
		WHERE id = $2 AND status = $3`,
		TaskStatusQueued, taskID, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}
	return nil
}

// ReleaseAbandoned requeues RUNNING tasks claimed by pods not in alive.
// Returns the count released.
func (s *TaskStore) ReleaseAbandoned(ctx context.Context, alive []string) (int64, error) {
	aliveJSON, err := json.Marshal(alive)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal alive pods: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, claimed_by = '', claimed_at = NULL, updated_at = now()
		WHERE status = $2
			AND NOT (claimed_by = ANY (SELECT jsonb_array_elements_text($3::jsonb)))`,
		TaskStatusQueued, TaskStatusRunning, aliveJSON)
	if err != nil {
		return 0, fmt.Errorf("failed to release abandoned tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// Depth counts due QUEUED tasks.
func (s *TaskStore) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = $1 AND run_at <= now()`,
		TaskStatusQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return n, nil
}

// CountRunning counts RUNNING tasks across all pods.
func (s *TaskStore) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = $1`, TaskStatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running tasks: %w", err)
	}
	return n, nil
}

// DeleteFinished removes DONE and FAILED tasks older than cutoff.
func (s *TaskStore) DeleteFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ($1, $2) AND updated_at < $3`,
		TaskStatusDone, TaskStatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

var errTaskNotFound = errors.New("task not found")

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var (
		t         Task
		jobID     sql.NullString
		payload   []byte
		claimedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.TaskType, &jobID, &payload, &t.Status, &t.Attempts,
		&t.RunAt, &t.ClaimedBy, &claimedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	if jobID.Valid {
		t.JobID = &jobID.String
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	t.Payload = json.RawMessage(payload)
	return &t, nil
}
