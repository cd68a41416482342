package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/matter"
	"github.com/lexpipe/lexpipe/pkg/models"
)

const chunkColumns = `id, matter_id, document_id, chunk_index, page_start, page_end,
	status, result_blob_path, result_checksum, attempts, created_at, updated_at`

// ChunkService manages the document_ocr_chunks table. Chunk claims use the
// same CAS discipline as jobs: PENDING -> PROCESSING is guarded on status so
// two workers never OCR the same page range.
type ChunkService struct {
	db *sql.DB
}

// NewChunkService creates a new ChunkService
func NewChunkService(db *sql.DB) *ChunkService {
	return &ChunkService{db: db}
}

// ChunkSpec describes one page range to create.
type ChunkSpec struct {
	ChunkIndex int
	PageStart  int
	PageEnd    int
}

// CreateChunks inserts the chunk rows for a document in one transaction.
// Re-planning an already-chunked document is a no-op per chunk thanks to the
// (document_id, chunk_index) unique constraint: existing rows are kept so a
// resumed job sees its completed chunks.
func (s *ChunkService) CreateChunks(ctx context.Context, matterID, documentID string, specs []ChunkSpec) ([]*models.DocumentOCRChunk, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}
	if len(specs) == 0 {
		return nil, NewValidationError("chunks", "at least one chunk required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, spec := range specs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO document_ocr_chunks
				(id, matter_id, document_id, chunk_index, page_start, page_end, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (document_id, chunk_index) DO NOTHING`,
			uuid.New().String(), matterID, documentID,
			spec.ChunkIndex, spec.PageStart, spec.PageEnd, models.ChunkStatusPending)
		if err != nil {
			return nil, fmt.Errorf("failed to insert chunk %d: %w", spec.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chunks: %w", err)
	}

	return s.ListChunks(ctx, matterID, documentID)
}

// ListChunks returns a document's chunks in index order.
func (s *ChunkService) ListChunks(ctx context.Context, matterID, documentID string) ([]*models.DocumentOCRChunk, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM document_ocr_chunks
		WHERE document_id = $1 AND matter_id = $2 ORDER BY chunk_index`,
		documentID, matterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.DocumentOCRChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks: %w", err)
	}
	return matter.ValidateRows(chunks, matterID)
}

// ClaimChunk transitions one chunk PENDING -> PROCESSING and returns it.
// Returns ErrNotFound when no claimable chunk remains for the document.
func (s *ChunkService) ClaimChunk(ctx context.Context, documentID string) (*models.DocumentOCRChunk, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE document_ocr_chunks
		SET status = $1, attempts = attempts + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM document_ocr_chunks
			WHERE document_id = $2 AND status = $3
			ORDER BY chunk_index
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+chunkColumns,
		models.ChunkStatusProcessing, documentID, models.ChunkStatusPending)
	return scanChunk(row)
}

// CompleteChunk records a chunk's OCR result location and checksum.
func (s *ChunkService) CompleteChunk(ctx context.Context, chunkID, resultBlobPath, resultChecksum string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE document_ocr_chunks
		SET status = $1, result_blob_path = $2, result_checksum = $3, updated_at = now()
		WHERE id = $4 AND status = $5`,
		models.ChunkStatusCompleted, resultBlobPath, resultChecksum,
		chunkID, models.ChunkStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete chunk: %w", err)
	}
	return chunkRowsAffected(res)
}

// FailChunk marks a PROCESSING chunk FAILED.
func (s *ChunkService) FailChunk(ctx context.Context, chunkID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE document_ocr_chunks SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		models.ChunkStatusFailed, chunkID, models.ChunkStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to fail chunk: %w", err)
	}
	return chunkRowsAffected(res)
}

// ResetChunk puts a FAILED or stuck-PROCESSING chunk back to PENDING for
// another attempt.
func (s *ChunkService) ResetChunk(ctx context.Context, chunkID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE document_ocr_chunks SET status = $1, updated_at = now()
		WHERE id = $2 AND status IN ($3, $4)`,
		models.ChunkStatusPending, chunkID,
		models.ChunkStatusFailed, models.ChunkStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to reset chunk: %w", err)
	}
	return chunkRowsAffected(res)
}

// Progress aggregates chunk statuses for a document.
func (s *ChunkService) Progress(ctx context.Context, documentID string) (*models.ChunkProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM document_ocr_chunks
		WHERE document_id = $1 GROUP BY status`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk progress: %w", err)
	}
	defer rows.Close()

	var p models.ChunkProgress
	for rows.Next() {
		var status models.ChunkStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan chunk progress: %w", err)
		}
		p.Total += count
		switch status {
		case models.ChunkStatusPending:
			p.Pending = count
		case models.ChunkStatusProcessing:
			p.Processing = count
		case models.ChunkStatusCompleted:
			p.Completed = count
		case models.ChunkStatusFailed:
			p.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk progress: %w", err)
	}
	return &p, nil
}

// ListCompleted returns a document's COMPLETED chunks in index order for the
// merge stage.
func (s *ChunkService) ListCompleted(ctx context.Context, documentID string) ([]*models.DocumentOCRChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM document_ocr_chunks
		WHERE document_id = $1 AND status = $2 ORDER BY chunk_index`,
		documentID, models.ChunkStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.DocumentOCRChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate completed chunks: %w", err)
	}
	return chunks, nil
}

// ListFailed returns a document's FAILED chunks in index order.
func (s *ChunkService) ListFailed(ctx context.Context, documentID string) ([]*models.DocumentOCRChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM document_ocr_chunks
		WHERE document_id = $1 AND status = $2 ORDER BY chunk_index`,
		documentID, models.ChunkStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.DocumentOCRChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed chunks: %w", err)
	}
	return chunks, nil
}

// DeleteForDocument removes all of a document's chunk rows (after a
// successful merge, or during retention cleanup). Returns the count deleted.
func (s *ChunkService) DeleteForDocument(ctx context.Context, documentID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM document_ocr_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// FindStaleGroups returns documents whose chunks are all older than cutoff
// and whose owning jobs are no longer active. These are retention candidates.
func (s *ChunkService) FindStaleGroups(ctx context.Context, cutoff time.Time, limit int) ([]*models.StaleChunkGroup, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.document_id, c.matter_id, COUNT(*)
		FROM document_ocr_chunks c
		WHERE NOT EXISTS (
			SELECT 1 FROM processing_jobs j
			WHERE j.document_id = c.document_id AND j.status IN ($1, $2)
		)
		GROUP BY c.document_id, c.matter_id
		HAVING MAX(c.updated_at) < $3
		LIMIT $4`,
		models.JobStatusQueued, models.JobStatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale chunk groups: %w", err)
	}
	defer rows.Close()

	var groups []*models.StaleChunkGroup
	for rows.Next() {
		var g models.StaleChunkGroup
		if err := rows.Scan(&g.DocumentID, &g.MatterID, &g.ChunkCount); err != nil {
			return nil, fmt.Errorf("failed to scan stale chunk group: %w", err)
		}
		groups = append(groups, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale chunk groups: %w", err)
	}
	return groups, nil
}

func chunkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func scanChunk(row scanner) (*models.DocumentOCRChunk, error) {
	var c models.DocumentOCRChunk
	err := row.Scan(
		&c.ID, &c.MatterID, &c.DocumentID, &c.ChunkIndex, &c.PageStart, &c.PageEnd,
		&c.Status, &c.ResultBlobPath, &c.ResultChecksum, &c.Attempts,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	return &c, nil
}
