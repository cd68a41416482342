package external

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSidecarOCR_ProcessDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/ocr", r.URL.Path)

		var req struct {
			PDF       string `json:"pdf"`
			FirstPage int    `json:"first_page"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		pdf, err := base64.StdEncoding.DecodeString(req.PDF)
		require.NoError(t, err)
		assert.Equal(t, []byte("%PDF-fake"), pdf)
		assert.Equal(t, 26, req.FirstPage)

		_ = json.NewEncoder(w).Encode(&OCRResult{Pages: []OCRPage{
			{PageNumber: 26, Text: "page twenty-six"},
		}})
	}))
	defer srv.Close()

	ocr := NewSidecarOCR(srv.URL, srv.Client())
	result, err := ocr.ProcessDocument(t.Context(), []byte("%PDF-fake"), 26)
	require.NoError(t, err)
	require.Len(t, result.Pages, 1)
	assert.Equal(t, 26, result.Pages[0].PageNumber)
}

func TestSidecarOCR_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ocr := NewSidecarOCR(srv.URL, srv.Client())
	_, err := ocr.ProcessDocument(t.Context(), []byte("%PDF-fake"), 1)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestSidecarOCR_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
	}))
	defer srv.Close()

	ocr := NewSidecarOCR(srv.URL, srv.Client())
	_, err := ocr.ProcessDocument(t.Context(), []byte("not a pdf"), 1)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "unsupported media type")
}

func TestSidecarOCR_UnreachableIsTransient(t *testing.T) {
	ocr := NewSidecarOCR("http://127.0.0.1:1", nil)
	_, err := ocr.ProcessDocument(t.Context(), []byte("%PDF-fake"), 1)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestSidecarEmbedder_EmbedTexts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embed", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"vectors": [][]float32{{0.1, 0.2}, {0.3, 0.4}},
		})
	}))
	defer srv.Close()

	embedder := NewSidecarEmbedder(srv.URL, srv.Client())
	vectors, err := embedder.EmbedTexts(t.Context(), []string{"first clause", "second clause"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.InDelta(t, 0.3, vectors[1][0], 1e-6)
}

func TestSidecarEmbedder_VectorCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"vectors": [][]float32{{1}}})
	}))
	defer srv.Close()

	embedder := NewSidecarEmbedder(srv.URL, srv.Client())
	_, err := embedder.EmbedTexts(t.Context(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 vectors for 2 texts")
}

func TestSidecarLLM_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/complete", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"completion": `{"parties":[]}`})
	}))
	defer srv.Close()

	llm := NewSidecarLLM(srv.URL, srv.Client())
	out, err := llm.Complete(t.Context(), "extract the parties")
	require.NoError(t, err)
	assert.Equal(t, `{"parties":[]}`, out)
}
