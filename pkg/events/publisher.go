package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// Publisher publishes events for WebSocket delivery. Persistent events are
// stored in the events table then broadcast via NOTIFY; transient events are
// broadcast only. pg_notify is transactional, so a persisted event and its
// notification commit (or roll back) together.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a new Publisher. The db parameter should be the
// *sql.DB from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishJobStatus persists a job status event to the matter channel and
// broadcasts a transient copy to the global jobs channel. Both publishes are
// best-effort; the first error encountered is returned.
func (p *Publisher) PublishJobStatus(ctx context.Context, job *models.ProcessingJob, status models.JobStatus) error {
	payload := JobStatusPayload{
		BasePayload: basePayload(EventTypeJobStatus, job.MatterID, job.ID),
		Status:      string(status),
		ErrorCode:   job.ErrorCode,
		RetryCount:  job.RetryCount,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JobStatusPayload: %w", err)
	}

	var firstErr error
	if err := p.persistAndNotify(ctx, job.MatterID, MatterChannel(job.MatterID), payloadJSON); err != nil {
		slog.Warn("Failed to publish job status to matter channel",
			"job_id", job.ID, "status", status, "error", err)
		firstErr = err
	}
	if err := p.notifyOnly(ctx, GlobalJobsChannel, payloadJSON); err != nil {
		slog.Warn("Failed to publish job status to global channel",
			"job_id", job.ID, "status", status, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishJobProgress broadcasts a transient job.progress event to the matter
// channel. High-frequency; never persisted.
func (p *Publisher) PublishJobProgress(ctx context.Context, job *models.ProcessingJob) error {
	payload := JobProgressPayload{
		BasePayload:     basePayload(EventTypeJobProgress, job.MatterID, job.ID),
		CurrentStage:    job.CurrentStage,
		CompletedStages: job.CompletedStages,
		TotalStages:     job.TotalStages,
		ProgressPct:     job.ProgressPct,
	}
	if job.EstimatedCompletion != nil {
		payload.EstimatedCompletion = job.EstimatedCompletion.Format(time.RFC3339)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JobProgressPayload: %w", err)
	}
	return p.notifyOnly(ctx, MatterChannel(job.MatterID), payloadJSON)
}

// PublishChunkProgress broadcasts a transient chunk.progress event.
func (p *Publisher) PublishChunkProgress(ctx context.Context, matterID, jobID, documentID string, progress *models.ChunkProgress) error {
	payload := ChunkProgressPayload{
		BasePayload: basePayload(EventTypeChunkProgress, matterID, jobID),
		DocumentID:  documentID,
		Total:       progress.Total,
		Completed:   progress.Completed,
		Failed:      progress.Failed,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ChunkProgressPayload: %w", err)
	}
	return p.notifyOnly(ctx, MatterChannel(matterID), payloadJSON)
}

func basePayload(eventType, matterID, jobID string) BasePayload {
	return BasePayload{
		Type:      eventType,
		MatterID:  matterID,
		JobID:     jobID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// persistAndNotify persists a pre-marshaled event and broadcasts via NOTIFY
// in a single transaction.
func (p *Publisher) persistAndNotify(ctx context.Context, matterID, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (channel, matter_id, payload) VALUES ($1, $2, $3) RETURNING id`,
		channel, matterID, payloadJSON,
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	// pg_notify within the same transaction — held until COMMIT
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts a pre-marshaled event via NOTIFY without persisting.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// injectDBEventIDAndTruncate adds db_event_id to the JSON payload for NOTIFY
// delivery and applies truncation if the result exceeds PostgreSQL's limit.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload as-is if it fits within PostgreSQL's
// 8000-byte NOTIFY limit, otherwise a minimal envelope with routing fields
// only; the client fetches the full event from the database by db_event_id.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}

	var routing struct {
		Type      string `json:"type"`
		MatterID  string `json:"matter_id"`
		JobID     string `json:"job_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal([]byte(payloadStr), &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"matter_id": routing.MatterID,
		"job_id":    routing.JobID,
		"truncated": true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
