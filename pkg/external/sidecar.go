package external

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sidecar providers bind the pipeline interfaces to companion services over
// plain HTTP. Timeouts and 5xx responses classify as transient so the
// executor's retry policy and the OCR breaker treat them as recoverable.

const defaultSidecarTimeout = 5 * time.Minute

func sidecarClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultSidecarTimeout}
}

// postJSON sends a JSON request and decodes a JSON response, mapping
// transport failures and 5xx statuses to ErrTransient.
func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode sidecar request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sidecar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransient, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", ErrTransient, url, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sidecar %s returned %d: %s", url, resp.StatusCode, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SidecarOCR is the OCR interface bound to an OCR sidecar service.
type SidecarOCR struct {
	baseURL string
	client  *http.Client
}

// NewSidecarOCR creates a SidecarOCR. client may be nil.
func NewSidecarOCR(baseURL string, client *http.Client) *SidecarOCR {
	return &SidecarOCR{baseURL: baseURL, client: sidecarClient(client)}
}

func (s *SidecarOCR) ProcessDocument(ctx context.Context, pdf []byte, firstPage int) (*OCRResult, error) {
	req := struct {
		PDF       string `json:"pdf"`
		FirstPage int    `json:"first_page"`
	}{
		PDF:       base64.StdEncoding.EncodeToString(pdf),
		FirstPage: firstPage,
	}
	var result OCRResult
	if err := postJSON(ctx, s.client, s.baseURL+"/v1/ocr", &req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SidecarEmbedder is the Embedder interface bound to an embedding sidecar.
type SidecarEmbedder struct {
	baseURL string
	client  *http.Client
}

// NewSidecarEmbedder creates a SidecarEmbedder. client may be nil.
func NewSidecarEmbedder(baseURL string, client *http.Client) *SidecarEmbedder {
	return &SidecarEmbedder{baseURL: baseURL, client: sidecarClient(client)}
}

func (s *SidecarEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	req := struct {
		Texts []string `json:"texts"`
	}{Texts: texts}
	var resp struct {
		Vectors [][]float32 `json:"vectors"`
	}
	if err := postJSON(ctx, s.client, s.baseURL+"/v1/embed", &req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vectors) != len(texts) {
		return nil, fmt.Errorf("embedding sidecar returned %d vectors for %d texts", len(resp.Vectors), len(texts))
	}
	return resp.Vectors, nil
}

// SidecarLLM is the LLM interface bound to a completion sidecar.
type SidecarLLM struct {
	baseURL string
	client  *http.Client
}

// NewSidecarLLM creates a SidecarLLM. client may be nil.
func NewSidecarLLM(baseURL string, client *http.Client) *SidecarLLM {
	return &SidecarLLM{baseURL: baseURL, client: sidecarClient(client)}
}

func (s *SidecarLLM) Complete(ctx context.Context, prompt string) (string, error) {
	req := struct {
		Prompt string `json:"prompt"`
	}{Prompt: prompt}
	var resp struct {
		Completion string `json:"completion"`
	}
	if err := postJSON(ctx, s.client, s.baseURL+"/v1/complete", &req, &resp); err != nil {
		return "", err
	}
	return resp.Completion, nil
}
