package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreatePartialIndexes creates PostgreSQL partial indexes for the hot-path
// queries: the worker claim scan and the stale-job sweep. Partial indexes
// stay small because terminal rows never enter them.
func CreatePartialIndexes(ctx context.Context, db *sql.DB) error {
	// Claimable tasks: the worker poll only ever scans queued, due rows.
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimable
		ON tasks (run_at, created_at)
		WHERE status = 'QUEUED'`)
	if err != nil {
		return fmt.Errorf("failed to create claimable tasks index: %w", err)
	}

	// Stale sweep: scans only non-terminal jobs by last-touch time.
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_jobs_active_updated
		ON processing_jobs (updated_at)
		WHERE status IN ('QUEUED', 'PROCESSING')`)
	if err != nil {
		return fmt.Errorf("failed to create active jobs index: %w", err)
	}

	// Unsettled chunks per document: the coordinator polls this constantly.
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_chunks_unsettled
		ON document_ocr_chunks (document_id)
		WHERE status IN ('PENDING', 'PROCESSING')`)
	if err != nil {
		return fmt.Errorf("failed to create unsettled chunks index: %w", err)
	}

	return nil
}
