package ocr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/external"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/services"
)

// memChunkStore is an in-memory ChunkStore with the claim/settle semantics
// of the SQL store.
type memChunkStore struct {
	mu     sync.Mutex
	chunks []*models.DocumentOCRChunk
}

func (m *memChunkStore) CreateChunks(_ context.Context, matterID, documentID string, specs []services.ChunkSpec) ([]*models.DocumentOCRChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, spec := range specs {
		exists := false
		for _, c := range m.chunks {
			if c.DocumentID == documentID && c.ChunkIndex == spec.ChunkIndex {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		m.chunks = append(m.chunks, &models.DocumentOCRChunk{
			ID:         uuid.New().String(),
			MatterID:   matterID,
			DocumentID: documentID,
			ChunkIndex: spec.ChunkIndex,
			PageStart:  spec.PageStart,
			PageEnd:    spec.PageEnd,
			Status:     models.ChunkStatusPending,
		})
	}
	return m.chunks, nil
}

func (m *memChunkStore) ClaimChunk(_ context.Context, documentID string) (*models.DocumentOCRChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.DocumentOCRChunk
	for _, c := range m.chunks {
		if c.DocumentID != documentID || c.Status != models.ChunkStatusPending {
			continue
		}
		if best == nil || c.ChunkIndex < best.ChunkIndex {
			best = c
		}
	}
	if best == nil {
		return nil, services.ErrNotFound
	}
	best.Status = models.ChunkStatusProcessing
	best.Attempts++
	cp := *best
	return &cp, nil
}

func (m *memChunkStore) setStatus(chunkID string, from []models.ChunkStatus, to models.ChunkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chunks {
		if c.ID != chunkID {
			continue
		}
		for _, f := range from {
			if c.Status == f {
				c.Status = to
				return nil
			}
		}
		return services.ErrConcurrentModification
	}
	return services.ErrNotFound
}

func (m *memChunkStore) CompleteChunk(_ context.Context, chunkID, path, checksum string) error {
	m.mu.Lock()
	for _, c := range m.chunks {
		if c.ID == chunkID {
			c.ResultBlobPath = path
			c.ResultChecksum = checksum
		}
	}
	m.mu.Unlock()
	return m.setStatus(chunkID, []models.ChunkStatus{models.ChunkStatusProcessing}, models.ChunkStatusCompleted)
}

func (m *memChunkStore) FailChunk(_ context.Context, chunkID string) error {
	return m.setStatus(chunkID, []models.ChunkStatus{models.ChunkStatusProcessing}, models.ChunkStatusFailed)
}

func (m *memChunkStore) ResetChunk(_ context.Context, chunkID string) error {
	return m.setStatus(chunkID,
		[]models.ChunkStatus{models.ChunkStatusFailed, models.ChunkStatusProcessing},
		models.ChunkStatusPending)
}

func (m *memChunkStore) Progress(_ context.Context, documentID string) (*models.ChunkProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &models.ChunkProgress{}
	for _, c := range m.chunks {
		if c.DocumentID != documentID {
			continue
		}
		p.Total++
		switch c.Status {
		case models.ChunkStatusPending:
			p.Pending++
		case models.ChunkStatusProcessing:
			p.Processing++
		case models.ChunkStatusCompleted:
			p.Completed++
		case models.ChunkStatusFailed:
			p.Failed++
		}
	}
	return p, nil
}

func (m *memChunkStore) listByStatus(documentID string, status models.ChunkStatus) []*models.DocumentOCRChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DocumentOCRChunk
	for _, c := range m.chunks {
		if c.DocumentID == documentID && c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

func (m *memChunkStore) ListCompleted(_ context.Context, documentID string) ([]*models.DocumentOCRChunk, error) {
	return m.listByStatus(documentID, models.ChunkStatusCompleted), nil
}

func (m *memChunkStore) ListFailed(_ context.Context, documentID string) ([]*models.DocumentOCRChunk, error) {
	return m.listByStatus(documentID, models.ChunkStatusFailed), nil
}

// recordingReporter captures progress callbacks.
type recordingReporter struct {
	mu       sync.Mutex
	reports  []string
	failures []string
	merging  bool
}

func (r *recordingReporter) ChunkProgress(_ context.Context, completed, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, fmt.Sprintf("%d/%d", completed, total))
}

func (r *recordingReporter) ChunkFailed(_ context.Context, chunk *models.DocumentOCRChunk, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, fmt.Sprintf("%s failed: %v", chunk.Label(), err))
}

func (r *recordingReporter) Merging(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merging = true
}

func testCoordinator(store ChunkStore, provider external.OCR, blob external.Blob) *Coordinator {
	cfg := config.DefaultOCRConfig()
	cfg.ChunkPollInterval = 10 * time.Millisecond
	c := NewCoordinator(store, provider, blob, cfg)
	// Payloads in tests are not PDFs; hand each chunk a marker instead.
	c.extract = func(_ []byte, start, end int) ([]byte, error) {
		return []byte(fmt.Sprintf("pages %d-%d", start, end)), nil
	}
	return c
}

func TestRun_SmallDocumentSinglePass(t *testing.T) {
	store := &memChunkStore{}
	fake := &external.FakeOCR{}
	c := testCoordinator(store, fake, external.NewMemBlob())

	result, err := c.Run(context.Background(), "matter-1", "doc-1", []byte("pdf"), 10, nil)
	require.NoError(t, err)
	require.Len(t, result.Pages, 1)
	assert.Equal(t, 1, fake.Calls)
	assert.Empty(t, store.chunks)
}

func TestRun_FanOutAndMerge(t *testing.T) {
	store := &memChunkStore{}
	blob := external.NewMemBlob()
	fake := &external.FakeOCR{
		PerPDF: func(_ []byte, firstPage int) (*external.OCRResult, error) {
			return &external.OCRResult{Pages: []external.OCRPage{{
				PageNumber: firstPage,
				Text:       fmt.Sprintf("chunk starting at %d", firstPage),
				Blocks: []external.OCRBlock{
					{Text: "a", ReadingOrderIndex: 0},
					{Text: "b", ReadingOrderIndex: 1},
				},
			}}}, nil
		},
	}
	c := testCoordinator(store, fake, blob)
	reporter := &recordingReporter{}

	result, err := c.Run(context.Background(), "matter-1", "doc-1", []byte("pdf"), 60, reporter)
	require.NoError(t, err)

	// Three chunks (1-25, 26-50, 51-60) merged in order.
	require.Len(t, result.Pages, 3)
	assert.Equal(t, []int{1, 26, 51},
		[]int{result.Pages[0].PageNumber, result.Pages[1].PageNumber, result.Pages[2].PageNumber})

	// Reading order renumbered globally across chunk boundaries.
	var order []int
	for _, page := range result.Pages {
		for _, block := range page.Blocks {
			order = append(order, block.ReadingOrderIndex)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)

	assert.Equal(t, 3, blob.Len())
	assert.True(t, reporter.merging)
	assert.NotEmpty(t, reporter.reports)
}

func TestRun_TransientChunkFailureRetries(t *testing.T) {
	store := &memChunkStore{}
	var calls int
	var mu sync.Mutex
	fake := &external.FakeOCR{
		PerPDF: func(_ []byte, firstPage int) (*external.OCRResult, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				return nil, errors.New("provider hiccup")
			}
			return &external.OCRResult{Pages: []external.OCRPage{{PageNumber: firstPage}}}, nil
		},
	}
	c := testCoordinator(store, fake, external.NewMemBlob())
	c.cfg.Concurrency = 1
	reporter := &recordingReporter{}

	result, err := c.Run(context.Background(), "matter-1", "doc-1", []byte("pdf"), 30, reporter)
	require.NoError(t, err)
	assert.Len(t, result.Pages, 2)

	// The failed attempt surfaced with its chunk label before the retry
	// landed.
	require.Len(t, reporter.failures, 1)
	assert.Equal(t, "Chunk 1 (pages 1-25) failed: provider hiccup", reporter.failures[0])
}

func TestRun_ChunkExhaustsAttempts(t *testing.T) {
	store := &memChunkStore{}
	fake := &external.FakeOCR{
		PerPDF: func(_ []byte, firstPage int) (*external.OCRResult, error) {
			if firstPage == 26 {
				return nil, errors.New("page 30 is corrupt")
			}
			return &external.OCRResult{Pages: []external.OCRPage{{PageNumber: firstPage}}}, nil
		},
	}
	c := testCoordinator(store, fake, external.NewMemBlob())

	_, err := c.Run(context.Background(), "matter-1", "doc-1", []byte("pdf"), 30, nil)
	require.Error(t, err)

	var failure *ChunkFailure
	require.ErrorAs(t, err, &failure)
	// 1-based chunk numbering in the operator-facing message.
	assert.Equal(t, "Chunk 2 (pages 26-30) failed: retries exhausted", failure.Error())
	assert.Equal(t, 3, failure.Chunk.Attempts)
}

func TestRun_ResumeSkipsCompletedChunks(t *testing.T) {
	store := &memChunkStore{}
	blob := external.NewMemBlob()
	fake := &external.FakeOCR{
		PerPDF: func(_ []byte, firstPage int) (*external.OCRResult, error) {
			return &external.OCRResult{Pages: []external.OCRPage{{PageNumber: firstPage}}}, nil
		},
	}
	c := testCoordinator(store, fake, blob)

	_, err := c.Run(context.Background(), "matter-1", "doc-1", []byte("pdf"), 60, nil)
	require.NoError(t, err)
	firstRunCalls := fake.Calls

	// A re-run (crash recovery) replans idempotently and OCRs nothing new.
	result, err := c.Run(context.Background(), "matter-1", "doc-1", []byte("pdf"), 60, nil)
	require.NoError(t, err)
	assert.Len(t, result.Pages, 3)
	assert.Equal(t, firstRunCalls, fake.Calls)
}

func TestCleanupChunks(t *testing.T) {
	store := &memChunkStore{}
	blob := external.NewMemBlob()
	fake := &external.FakeOCR{
		PerPDF: func(_ []byte, firstPage int) (*external.OCRResult, error) {
			return &external.OCRResult{Pages: []external.OCRPage{{PageNumber: firstPage}}}, nil
		},
	}
	c := testCoordinator(store, fake, blob)

	_, err := c.Run(context.Background(), "matter-1", "doc-1", []byte("pdf"), 60, nil)
	require.NoError(t, err)
	require.Equal(t, 3, blob.Len())

	deleted, errs := c.CleanupChunks(context.Background(), "doc-1")
	assert.Empty(t, errs)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, 0, blob.Len())
}
