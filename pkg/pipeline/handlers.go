package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lexpipe/lexpipe/pkg/external"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/ocr"
)

// segmentRuneLimit bounds one text segment handed to the embedder.
const segmentRuneLimit = 2000

// DocumentStore is the slice of services.DocumentService the handlers need.
type DocumentStore interface {
	GetDocumentInternal(ctx context.Context, documentID string) (*models.Document, error)
	SetPageCount(ctx context.Context, documentID string, pageCount int) error
}

// Stages bundles the collaborators shared by the built-in stage handlers.
type Stages struct {
	documents DocumentStore
	blob      external.Blob
	ocr       *ocr.Coordinator
	embedder  external.Embedder
	llm       external.LLM
}

// NewStages creates the handler factory.
func NewStages(documents DocumentStore, blob external.Blob, coordinator *ocr.Coordinator, embedder external.Embedder, llm external.LLM) *Stages {
	return &Stages{documents: documents, blob: blob, ocr: coordinator, embedder: embedder, llm: llm}
}

// Handler returns the StageHandler for a stage name. reporter receives OCR
// chunk progress and is ignored by the other stages.
func (s *Stages) Handler(stageName string, reporter ocr.ProgressReporter) (StageHandler, error) {
	switch stageName {
	case StageOCR:
		return &ocrHandler{s: s, reporter: reporter}, nil
	case StageValidation:
		return &validationHandler{s: s}, nil
	case StageChunking:
		return &chunkingHandler{s: s}, nil
	case StageEmbedding:
		return &embeddingHandler{s: s}, nil
	case StageEntityExtraction:
		return &entityHandler{s: s}, nil
	case StageAliasResolution:
		return &aliasHandler{s: s}, nil
	case StageTimeline:
		return &timelineHandler{s: s}, nil
	}
	return nil, fmt.Errorf("unknown stage %q", stageName)
}

func (s *Stages) document(ctx context.Context, job *models.ProcessingJob) (*models.Document, error) {
	if job.DocumentID == nil {
		return nil, Permanent(fmt.Errorf("job %s has no document", job.ID))
	}
	return s.documents.GetDocumentInternal(ctx, *job.DocumentID)
}

func (s *Stages) mergedResult(ctx context.Context, job *models.ProcessingJob) (*external.OCRResult, error) {
	data, err := s.blob.Download(ctx, mergedOCRPath(job.MatterID, *job.DocumentID))
	if err != nil {
		return nil, fmt.Errorf("failed to load merged OCR artifact: %w", err)
	}
	var result external.OCRResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, Permanent(fmt.Errorf("merged OCR artifact is corrupt: %w", err))
	}
	return &result, nil
}

// ocrHandler runs the whole document through the chunk coordinator as a
// single item; chunk-level granularity lives in the chunk table, not in
// partial progress.
type ocrHandler struct {
	s        *Stages
	reporter ocr.ProgressReporter
}

func (h *ocrHandler) Name() string               { return StageOCR }
func (h *ocrHandler) TolerateItemFailures() bool { return false }

func (h *ocrHandler) Items(context.Context, *models.ProcessingJob) ([]string, error) {
	return []string{"document"}, nil
}

func (h *ocrHandler) ProcessItem(ctx context.Context, job *models.ProcessingJob, _ string) error {
	doc, err := h.s.document(ctx, job)
	if err != nil {
		return err
	}
	pdf, err := h.s.blob.Download(ctx, doc.BlobPath)
	if err != nil {
		return fmt.Errorf("failed to fetch source PDF: %w", err)
	}

	pageCount := doc.PageCount
	if pageCount <= 0 {
		pageCount, err = external.PDFPageCount(pdf)
		if err != nil {
			return Permanent(fmt.Errorf("unreadable PDF: %w", err))
		}
		if err := h.s.documents.SetPageCount(ctx, doc.ID, pageCount); err != nil {
			return fmt.Errorf("failed to record page count: %w", err)
		}
	}

	result, err := h.s.ocr.Run(ctx, job.MatterID, doc.ID, pdf, pageCount, h.reporter)
	if err != nil {
		var failure *ocr.ChunkFailure
		if errors.As(err, &failure) {
			return Permanent(err)
		}
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode merged OCR result: %w", err)
	}
	return h.s.blob.Upload(ctx, mergedOCRPath(job.MatterID, doc.ID), data)
}

// validationHandler sanity-checks the merged OCR artifact before any
// downstream stage trusts it.
type validationHandler struct{ s *Stages }

func (h *validationHandler) Name() string               { return StageValidation }
func (h *validationHandler) TolerateItemFailures() bool { return false }

func (h *validationHandler) Items(context.Context, *models.ProcessingJob) ([]string, error) {
	return []string{"validate"}, nil
}

func (h *validationHandler) ProcessItem(ctx context.Context, job *models.ProcessingJob, _ string) error {
	result, err := h.s.mergedResult(ctx, job)
	if err != nil {
		return err
	}
	if len(result.Pages) == 0 {
		return Permanent(fmt.Errorf("OCR produced no pages"))
	}
	last := 0
	for _, page := range result.Pages {
		if page.PageNumber <= last {
			return Permanent(fmt.Errorf("OCR pages out of order at page %d", page.PageNumber))
		}
		last = page.PageNumber
	}
	return nil
}

// textSegment is one embedder-sized slice of document text.
type textSegment struct {
	Index int    `json:"index"`
	Page  int    `json:"page"`
	Text  string `json:"text"`
}

// chunkingHandler splits page text into embedder-sized segments.
type chunkingHandler struct{ s *Stages }

func (h *chunkingHandler) Name() string               { return StageChunking }
func (h *chunkingHandler) TolerateItemFailures() bool { return false }

func (h *chunkingHandler) Items(context.Context, *models.ProcessingJob) ([]string, error) {
	return []string{"chunk"}, nil
}

func (h *chunkingHandler) ProcessItem(ctx context.Context, job *models.ProcessingJob, _ string) error {
	result, err := h.s.mergedResult(ctx, job)
	if err != nil {
		return err
	}

	var segments []textSegment
	for _, page := range result.Pages {
		for _, part := range splitRunes(page.Text, segmentRuneLimit) {
			segments = append(segments, textSegment{
				Index: len(segments),
				Page:  page.PageNumber,
				Text:  part,
			})
		}
	}

	data, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("failed to encode segments: %w", err)
	}
	return h.s.blob.Upload(ctx, segmentsPath(job.MatterID, *job.DocumentID), data)
}

// embeddingHandler embeds one segment per item, so a crashed run resumes at
// the first unembedded segment.
type embeddingHandler struct{ s *Stages }

func (h *embeddingHandler) Name() string               { return StageEmbedding }
func (h *embeddingHandler) TolerateItemFailures() bool { return false }

func (h *embeddingHandler) Items(ctx context.Context, job *models.ProcessingJob) ([]string, error) {
	segments, err := h.loadSegments(ctx, job)
	if err != nil {
		return nil, err
	}
	items := make([]string, len(segments))
	for i := range segments {
		items[i] = "segment:" + strconv.Itoa(i)
	}
	return items, nil
}

func (h *embeddingHandler) ProcessItem(ctx context.Context, job *models.ProcessingJob, itemID string) error {
	index, err := strconv.Atoi(strings.TrimPrefix(itemID, "segment:"))
	if err != nil {
		return Permanent(fmt.Errorf("malformed segment item %q", itemID))
	}
	segments, err := h.loadSegments(ctx, job)
	if err != nil {
		return err
	}
	if index >= len(segments) {
		return Permanent(fmt.Errorf("segment %d out of range", index))
	}

	vectors, err := h.s.embedder.EmbedTexts(ctx, []string{segments[index].Text})
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]any{
		"segment": segments[index],
		"vector":  vectors[0],
	})
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	return h.s.blob.Upload(ctx, embeddingPath(job.MatterID, *job.DocumentID, index), data)
}

func (h *embeddingHandler) loadSegments(ctx context.Context, job *models.ProcessingJob) ([]textSegment, error) {
	data, err := h.s.blob.Download(ctx, segmentsPath(job.MatterID, *job.DocumentID))
	if err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	var segments []textSegment
	if err := json.Unmarshal(data, &segments); err != nil {
		return nil, Permanent(fmt.Errorf("segments artifact is corrupt: %w", err))
	}
	return segments, nil
}

// entityHandler extracts entities per page. A page that keeps failing is
// recorded and skipped: one unreadable page should not sink the document.
type entityHandler struct{ s *Stages }

func (h *entityHandler) Name() string               { return StageEntityExtraction }
func (h *entityHandler) TolerateItemFailures() bool { return true }

func (h *entityHandler) Items(ctx context.Context, job *models.ProcessingJob) ([]string, error) {
	result, err := h.s.mergedResult(ctx, job)
	if err != nil {
		return nil, err
	}
	items := make([]string, len(result.Pages))
	for i, page := range result.Pages {
		items[i] = "page:" + strconv.Itoa(page.PageNumber)
	}
	return items, nil
}

func (h *entityHandler) ProcessItem(ctx context.Context, job *models.ProcessingJob, itemID string) error {
	pageNum, err := strconv.Atoi(strings.TrimPrefix(itemID, "page:"))
	if err != nil {
		return Permanent(fmt.Errorf("malformed page item %q", itemID))
	}
	result, err := h.s.mergedResult(ctx, job)
	if err != nil {
		return err
	}
	var text string
	for _, page := range result.Pages {
		if page.PageNumber == pageNum {
			text = page.Text
			break
		}
	}

	completion, err := h.s.llm.Complete(ctx,
		"Extract the legal entities (parties, courts, counsel, citations, dates) from this page as JSON:\n\n"+text)
	if err != nil {
		return err
	}
	return h.s.blob.Upload(ctx, pageEntitiesPath(job.MatterID, *job.DocumentID, pageNum), []byte(completion))
}

// aliasHandler resolves entity aliases across the whole document.
type aliasHandler struct{ s *Stages }

func (h *aliasHandler) Name() string               { return StageAliasResolution }
func (h *aliasHandler) TolerateItemFailures() bool { return false }

func (h *aliasHandler) Items(context.Context, *models.ProcessingJob) ([]string, error) {
	return []string{"aliases"}, nil
}

func (h *aliasHandler) ProcessItem(ctx context.Context, job *models.ProcessingJob, _ string) error {
	entities, err := h.collectEntities(ctx, job)
	if err != nil {
		return err
	}
	completion, err := h.s.llm.Complete(ctx,
		"Group these extracted legal entities into alias clusters (same real-world party) as JSON:\n\n"+entities)
	if err != nil {
		return err
	}
	return h.s.blob.Upload(ctx, aliasesPath(job.MatterID, *job.DocumentID), []byte(completion))
}

// collectEntities concatenates whatever per-page entity artifacts exist.
// Pages skipped by the extraction stage are simply absent.
func (h *aliasHandler) collectEntities(ctx context.Context, job *models.ProcessingJob) (string, error) {
	result, err := h.s.mergedResult(ctx, job)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, page := range result.Pages {
		data, err := h.s.blob.Download(ctx, pageEntitiesPath(job.MatterID, *job.DocumentID, page.PageNumber))
		if err != nil {
			continue
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// timelineHandler classifies events into a matter timeline.
type timelineHandler struct{ s *Stages }

func (h *timelineHandler) Name() string               { return StageTimeline }
func (h *timelineHandler) TolerateItemFailures() bool { return false }

func (h *timelineHandler) Items(context.Context, *models.ProcessingJob) ([]string, error) {
	return []string{"timeline"}, nil
}

func (h *timelineHandler) ProcessItem(ctx context.Context, job *models.ProcessingJob, _ string) error {
	aliases, err := h.s.blob.Download(ctx, aliasesPath(job.MatterID, *job.DocumentID))
	if err != nil {
		return fmt.Errorf("failed to load alias artifact: %w", err)
	}
	completion, err := h.s.llm.Complete(ctx,
		"Build a dated event timeline for this matter from these resolved entities, as JSON:\n\n"+string(aliases))
	if err != nil {
		return err
	}
	return h.s.blob.Upload(ctx, timelinePath(job.MatterID, *job.DocumentID), []byte(completion))
}

// splitRunes cuts s into pieces of at most limit runes.
func splitRunes(s string, limit int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var parts []string
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
