package external

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Test doubles shared by the pipeline, OCR, and recovery test suites. They
// live in the package proper so every consumer test gets the same behavior
// without an import cycle through a _test package.

// FakeOCR returns one synthetic page per requested page, or the queued
// errors in FIFO order.
type FakeOCR struct {
	mu     sync.Mutex
	Errs   []error
	Calls  int
	Delay  time.Duration
	PerPDF func(pdf []byte, firstPage int) (*OCRResult, error)
}

func (f *FakeOCR) ProcessDocument(ctx context.Context, pdf []byte, firstPage int) (*OCRResult, error) {
	f.mu.Lock()
	f.Calls++
	var err error
	if len(f.Errs) > 0 {
		err = f.Errs[0]
		f.Errs = f.Errs[1:]
	}
	perPDF := f.PerPDF
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if perPDF != nil {
		return perPDF(pdf, firstPage)
	}
	return &OCRResult{Pages: []OCRPage{{
		PageNumber: firstPage,
		Text:       fmt.Sprintf("recognized page %d", firstPage),
		Blocks:     []OCRBlock{{Text: "block", ReadingOrderIndex: 0}},
	}}}, nil
}

// FakeEmbedder returns a fixed-size zero vector per input text.
type FakeEmbedder struct {
	mu    sync.Mutex
	Calls int
	Err   error
	Dim   int
}

func (f *FakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	dim := f.Dim
	if dim == 0 {
		dim = 8
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, dim)
	}
	return out, nil
}

// FakeLLM echoes a canned response.
type FakeLLM struct {
	Response string
	Err      error
}

func (f *FakeLLM) Complete(context.Context, string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return f.Response, nil
}

// MemBlob is an in-memory Blob.
type MemBlob struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	UploadErr   error
	DownloadErr error
}

func NewMemBlob() *MemBlob {
	return &MemBlob{blobs: make(map[string][]byte)}
}

func (m *MemBlob) Upload(_ context.Context, path string, data []byte) error {
	if m.UploadErr != nil {
		return m.UploadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[path] = cp
	return nil
}

func (m *MemBlob) Download(_ context.Context, path string) ([]byte, error) {
	if m.DownloadErr != nil {
		return nil, m.DownloadErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, path)
	}
	return data, nil
}

func (m *MemBlob) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, path)
	return nil
}

func (m *MemBlob) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.blobs[path]; !ok {
		return "", fmt.Errorf("%w: %s", ErrBlobNotFound, path)
	}
	return "mem://" + path, nil
}

// Len reports how many blobs are stored.
func (m *MemBlob) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Paths returns the stored keys.
func (m *MemBlob) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.blobs))
	for p := range m.blobs {
		paths = append(paths, p)
	}
	return paths
}
