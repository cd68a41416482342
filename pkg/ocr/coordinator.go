package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/external"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/services"
)

// ChunkStore is the slice of services.ChunkService the coordinator needs.
type ChunkStore interface {
	CreateChunks(ctx context.Context, matterID, documentID string, specs []services.ChunkSpec) ([]*models.DocumentOCRChunk, error)
	ClaimChunk(ctx context.Context, documentID string) (*models.DocumentOCRChunk, error)
	CompleteChunk(ctx context.Context, chunkID, resultBlobPath, resultChecksum string) error
	FailChunk(ctx context.Context, chunkID string) error
	ResetChunk(ctx context.Context, chunkID string) error
	Progress(ctx context.Context, documentID string) (*models.ChunkProgress, error)
	ListCompleted(ctx context.Context, documentID string) ([]*models.DocumentOCRChunk, error)
	ListFailed(ctx context.Context, documentID string) ([]*models.DocumentOCRChunk, error)
}

// ProgressReporter receives chunk-level progress for the running job.
// Implemented by the pipeline, which folds it into job progress and
// broadcast events.
type ProgressReporter interface {
	// ChunkProgress reports completed-of-total after each settled chunk.
	ChunkProgress(ctx context.Context, completed, total int)
	// ChunkFailed reports a chunk attempt failure. The retry loop may still
	// recover it; a later ChunkProgress means the chunk landed.
	ChunkFailed(ctx context.Context, chunk *models.DocumentOCRChunk, err error)
	// Merging reports entry into the merge phase.
	Merging(ctx context.Context)
}

// ChunkFailure is a chunk's permanent failure, formatted for operators with
// 1-based numbering.
type ChunkFailure struct {
	Chunk *models.DocumentOCRChunk
	Err   error
}

func (e *ChunkFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Chunk.Label(), e.Err)
}

func (e *ChunkFailure) Unwrap() error { return e.Err }

// Coordinator runs OCR for one document, chunked or single-pass.
type Coordinator struct {
	chunks   ChunkStore
	provider external.OCR
	blob     external.Blob
	cfg      *config.OCRConfig

	// extract carves a page range out of a PDF. Overridable in tests where
	// payloads are not real PDFs.
	extract func(pdf []byte, start, end int) ([]byte, error)
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(chunks ChunkStore, provider external.OCR, blob external.Blob, cfg *config.OCRConfig) *Coordinator {
	return &Coordinator{
		chunks:   chunks,
		provider: provider,
		blob:     blob,
		cfg:      cfg,
		extract:  external.PDFExtractPages,
	}
}

// Run OCRs the document and returns the merged result. Documents at or
// under the chunk threshold go through the provider in one call; larger
// ones fan out. Safe to re-run: completed chunk rows are kept and skipped.
func (c *Coordinator) Run(ctx context.Context, matterID, documentID string, pdf []byte, pageCount int, reporter ProgressReporter) (*external.OCRResult, error) {
	if pageCount <= c.cfg.ChunkThresholdPages {
		result, err := c.provider.ProcessDocument(ctx, pdf, 1)
		if err != nil {
			return nil, fmt.Errorf("ocr failed: %w", err)
		}
		return result, nil
	}

	specs := PlanChunks(pageCount, c.cfg.PagesPerChunk)
	if _, err := c.chunks.CreateChunks(ctx, matterID, documentID, specs); err != nil {
		return nil, fmt.Errorf("failed to plan ocr chunks: %w", err)
	}

	if err := c.fanOut(ctx, matterID, documentID, pdf, len(specs), reporter); err != nil {
		return nil, err
	}

	if reporter != nil {
		reporter.Merging(ctx)
	}
	return c.merge(ctx, documentID)
}

// fanOut drives chunk workers until every chunk is settled, then applies
// the failure policy.
func (c *Coordinator) fanOut(ctx context.Context, matterID, documentID string, pdf []byte, total int, reporter ProgressReporter) error {
	log := slog.With("document_id", documentID, "chunks", total)

	workers := c.cfg.Concurrency
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.chunkWorker(ctx, matterID, documentID, pdf, total, reporter)
		}()
	}
	wg.Wait()

	// Workers drain when no chunk is claimable. That means settled, or it
	// means FAILED chunks with attempts left; reset those and go again.
	for {
		progress, err := c.chunks.Progress(ctx, documentID)
		if err != nil {
			return fmt.Errorf("failed to read chunk progress: %w", err)
		}
		if progress.AllSettled() && progress.Failed == 0 {
			return nil
		}

		failed, err := c.chunks.ListFailed(ctx, documentID)
		if err != nil {
			return fmt.Errorf("failed to list failed chunks: %w", err)
		}
		retryable := 0
		for _, chunk := range failed {
			if chunk.Attempts >= c.cfg.MaxChunkAttempts {
				return &ChunkFailure{Chunk: chunk, Err: errors.New("retries exhausted")}
			}
			if err := c.chunks.ResetChunk(ctx, chunk.ID); err != nil {
				return fmt.Errorf("failed to reset chunk %d: %w", chunk.ChunkIndex, err)
			}
			retryable++
		}
		if retryable == 0 && !progress.AllSettled() {
			// Another pod is still working these chunks; poll until they
			// settle instead of double-claiming.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.ChunkPollInterval):
			}
			continue
		}

		log.Info("Retrying failed OCR chunks", "count", retryable)
		var retryWG sync.WaitGroup
		for i := 0; i < workers; i++ {
			retryWG.Add(1)
			go func() {
				defer retryWG.Done()
				c.chunkWorker(ctx, matterID, documentID, pdf, total, reporter)
			}()
		}
		retryWG.Wait()
	}
}

// chunkWorker claims and processes chunks until none remain claimable.
func (c *Coordinator) chunkWorker(ctx context.Context, matterID, documentID string, pdf []byte, total int, reporter ProgressReporter) {
	for {
		if ctx.Err() != nil {
			return
		}
		chunk, err := c.chunks.ClaimChunk(ctx, documentID)
		if errors.Is(err, services.ErrNotFound) {
			return
		}
		if err != nil {
			slog.Error("Chunk claim failed", "document_id", documentID, "error", err)
			return
		}

		if err := c.processChunk(ctx, matterID, chunk, pdf); err != nil {
			slog.Warn("OCR chunk failed", "document_id", documentID,
				"chunk", chunk.Label(), "attempt", chunk.Attempts, "error", err)
			if failErr := c.chunks.FailChunk(ctx, chunk.ID); failErr != nil {
				slog.Error("Failed to mark chunk FAILED", "chunk_id", chunk.ID, "error", failErr)
			}
			if reporter != nil {
				reporter.ChunkFailed(ctx, chunk, err)
			}
			continue
		}

		if reporter != nil {
			if progress, err := c.chunks.Progress(ctx, documentID); err == nil {
				reporter.ChunkProgress(ctx, progress.Completed, total)
			}
		}
	}
}

// processChunk extracts the page range, OCRs it, and persists the result
// blob before marking the chunk COMPLETED.
func (c *Coordinator) processChunk(ctx context.Context, matterID string, chunk *models.DocumentOCRChunk, pdf []byte) error {
	pages, err := c.extract(pdf, chunk.PageStart, chunk.PageEnd)
	if err != nil {
		return fmt.Errorf("page extraction failed: %w", err)
	}

	result, err := c.provider.ProcessDocument(ctx, pages, chunk.PageStart)
	if err != nil {
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode chunk result: %w", err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	path := ChunkBlobPath(matterID, chunk.DocumentID, chunk.ChunkIndex)
	if err := c.blob.Upload(ctx, path, data); err != nil {
		return fmt.Errorf("failed to store chunk result: %w", err)
	}
	return c.chunks.CompleteChunk(ctx, chunk.ID, path, checksum)
}

// ChunkBlobPath is the object-store key for one chunk's OCR result.
func ChunkBlobPath(matterID, documentID string, chunkIndex int) string {
	return fmt.Sprintf("matters/%s/documents/%s/ocr/chunk-%d.json", matterID, documentID, chunkIndex)
}
