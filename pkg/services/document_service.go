package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/matter"
	"github.com/lexpipe/lexpipe/pkg/models"
)

const documentColumns = `id, matter_id, file_name, blob_path, page_count, status, created_at, updated_at`

// DocumentService manages the documents table.
type DocumentService struct {
	db *sql.DB
}

// NewDocumentService creates a new DocumentService
func NewDocumentService(db *sql.DB) *DocumentService {
	return &DocumentService{db: db}
}

// CreateDocument registers an uploaded file.
func (s *DocumentService) CreateDocument(ctx context.Context, matterID, fileName, blobPath string, pageCount int) (*models.Document, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}
	if fileName == "" {
		return nil, NewValidationError("file_name", "required")
	}
	if blobPath == "" {
		return nil, NewValidationError("blob_path", "required")
	}

	doc := &models.Document{
		ID:        uuid.New().String(),
		MatterID:  matterID,
		FileName:  fileName,
		BlobPath:  blobPath,
		PageCount: pageCount,
		Status:    models.DocumentStatusPending,
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO documents (id, matter_id, file_name, blob_path, page_count, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		doc.ID, doc.MatterID, doc.FileName, doc.BlobPath, doc.PageCount, doc.Status)
	if err := row.Scan(&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	return doc, nil
}

// GetDocument fetches a document scoped to a matter.
func (s *DocumentService) GetDocument(ctx context.Context, matterID, documentID string) (*models.Document, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 AND matter_id = $2`,
		documentID, matterID)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, err
	}
	return matter.ValidateRow(doc, matterID)
}

// GetDocumentInternal fetches a document by ID for workers.
func (s *DocumentService) GetDocumentInternal(ctx context.Context, documentID string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, documentID)
	return scanDocument(row)
}

// ListDocuments returns a matter's documents, newest first.
func (s *DocumentService) ListDocuments(ctx context.Context, matterID string, limit int) ([]*models.Document, error) {
	matterID, err := matter.ValidateID(matterID)
	if err != nil {
		return nil, NewValidationError("matter_id", err.Error())
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		WHERE matter_id = $1 ORDER BY created_at DESC LIMIT $2`,
		matterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return matter.ValidateRows(docs, matterID)
}

// UpdateStatus sets a document's processing status.
func (s *DocumentService) UpdateStatus(ctx context.Context, documentID string, status models.DocumentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = $1, updated_at = now() WHERE id = $2`,
		status, documentID)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPageCount records the page count discovered during validation.
func (s *DocumentService) SetPageCount(ctx context.Context, documentID string, pageCount int) error {
	if pageCount < 0 {
		return NewValidationError("page_count", "must be non-negative")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET page_count = $1, updated_at = now() WHERE id = $2`,
		pageCount, documentID)
	if err != nil {
		return fmt.Errorf("failed to set page count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDocument(row scanner) (*models.Document, error) {
	var d models.Document
	err := row.Scan(&d.ID, &d.MatterID, &d.FileName, &d.BlobPath, &d.PageCount,
		&d.Status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	return &d, nil
}
