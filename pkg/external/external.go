// Package external defines the collaborator boundaries of the pipeline:
// OCR/embedding/LLM providers, the search index, and the object store. The
// engine only ever sees these interfaces; the provider SDKs themselves run in
// sidecar services reached over plain HTTP.
package external

import (
	"context"
	"errors"
	"time"
)

// ErrTransient marks provider failures worth retrying. Providers wrap
// timeouts and 5xx-class errors with it; anything else is permanent.
var ErrTransient = errors.New("transient provider error")

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// OCRBlock is one recognized text block with its position on the page.
type OCRBlock struct {
	Text              string     `json:"text"`
	ReadingOrderIndex int        `json:"reading_order_index"`
	BBox              [4]float64 `json:"bbox"` // x0, y0, x1, y1
}

// OCRPage is the recognition output for a single page.
type OCRPage struct {
	PageNumber int        `json:"page_number"` // 1-based, document-global
	Text       string     `json:"text"`
	Blocks     []OCRBlock `json:"blocks,omitempty"`
}

// OCRResult is a provider's output for one document or page range.
type OCRResult struct {
	Pages []OCRPage `json:"pages"`
}

// OCR recognizes text in a PDF payload.
type OCR interface {
	// ProcessDocument runs OCR over the given PDF bytes. firstPage is the
	// document-global number of the payload's first page, so page-range
	// chunks come back with correct global numbering.
	ProcessDocument(ctx context.Context, pdf []byte, firstPage int) (*OCRResult, error)
}

// Embedder turns text chunks into vectors.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// LLM runs an analysis prompt and returns the raw completion. The
// legal-analysis stages own prompt construction and output parsing.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// SearchHit is one indexed chunk returned by the search engine.
type SearchHit struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
	Text    string  `json:"text"`
}

// Search is the black-box index engine. All queries are matter-scoped.
type Search interface {
	HybridSearchChunks(ctx context.Context, matterID, query string, limit int) ([]SearchHit, error)
	BM25SearchChunks(ctx context.Context, matterID, query string, limit int) ([]SearchHit, error)
	SemanticSearchChunks(ctx context.Context, matterID string, vector []float32, limit int) ([]SearchHit, error)
}

// Blob is the object store. Paths are opaque keys chosen by the caller;
// matter scoping is the caller's responsibility via path prefixes.
type Blob interface {
	Upload(ctx context.Context, path string, data []byte) error
	Download(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	SignedURL(ctx context.Context, path string, expiry time.Duration) (string, error)
}
