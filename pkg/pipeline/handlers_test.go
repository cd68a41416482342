package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexpipe/lexpipe/pkg/external"
	"github.com/lexpipe/lexpipe/pkg/models"
)

type stubDocuments struct {
	doc       *models.Document
	pageCount int
}

func (s *stubDocuments) GetDocumentInternal(context.Context, string) (*models.Document, error) {
	return s.doc, nil
}

func (s *stubDocuments) SetPageCount(_ context.Context, _ string, pageCount int) error {
	s.pageCount = pageCount
	return nil
}

func seedMergedOCR(t *testing.T, blob external.Blob, job *models.ProcessingJob, pages []external.OCRPage) {
	t.Helper()
	data, err := json.Marshal(&external.OCRResult{Pages: pages})
	require.NoError(t, err)
	require.NoError(t, blob.Upload(context.Background(), mergedOCRPath(job.MatterID, *job.DocumentID), data))
}

func TestValidationHandler(t *testing.T) {
	job := pipelineJob()
	blob := external.NewMemBlob()
	stages := NewStages(&stubDocuments{}, blob, nil, nil, nil)
	handler, err := stages.Handler(StageValidation, nil)
	require.NoError(t, err)

	t.Run("accepts ordered pages", func(t *testing.T) {
		seedMergedOCR(t, blob, job, []external.OCRPage{
			{PageNumber: 1, Text: "a"}, {PageNumber: 2, Text: "b"},
		})
		assert.NoError(t, handler.ProcessItem(context.Background(), job, "validate"))
	})

	t.Run("rejects empty result", func(t *testing.T) {
		seedMergedOCR(t, blob, job, nil)
		err := handler.ProcessItem(context.Background(), job, "validate")
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})

	t.Run("rejects out-of-order pages", func(t *testing.T) {
		seedMergedOCR(t, blob, job, []external.OCRPage{
			{PageNumber: 2, Text: "b"}, {PageNumber: 1, Text: "a"},
		})
		err := handler.ProcessItem(context.Background(), job, "validate")
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})
}

func TestChunkingAndEmbeddingHandlers(t *testing.T) {
	job := pipelineJob()
	blob := external.NewMemBlob()
	embedder := &external.FakeEmbedder{Dim: 4}
	stages := NewStages(&stubDocuments{}, blob, nil, embedder, nil)
	ctx := context.Background()

	longText := strings.Repeat("deposition transcript ", 150) // > one segment
	seedMergedOCR(t, blob, job, []external.OCRPage{
		{PageNumber: 1, Text: longText},
		{PageNumber: 2, Text: "short page"},
	})

	chunking, err := stages.Handler(StageChunking, nil)
	require.NoError(t, err)
	require.NoError(t, chunking.ProcessItem(ctx, job, "chunk"))

	embedding, err := stages.Handler(StageEmbedding, nil)
	require.NoError(t, err)
	items, err := embedding.Items(ctx, job)
	require.NoError(t, err)
	// The long page split into multiple segments plus the short page.
	require.Greater(t, len(items), 2)
	assert.Equal(t, "segment:0", items[0])

	for _, item := range items {
		require.NoError(t, embedding.ProcessItem(ctx, job, item))
	}
	assert.Equal(t, len(items), embedder.Calls)

	// Each segment left a vector artifact behind.
	data, err := blob.Download(ctx, embeddingPath(job.MatterID, *job.DocumentID, 0))
	require.NoError(t, err)
	var artifact struct {
		Segment textSegment `json:"segment"`
		Vector  []float32   `json:"vector"`
	}
	require.NoError(t, json.Unmarshal(data, &artifact))
	assert.Equal(t, 1, artifact.Segment.Page)
	assert.Len(t, artifact.Vector, 4)
}

func TestEntityAndAliasHandlers(t *testing.T) {
	job := pipelineJob()
	blob := external.NewMemBlob()
	llm := &external.FakeLLM{Response: `{"entities":[]}`}
	stages := NewStages(&stubDocuments{}, blob, nil, nil, llm)
	ctx := context.Background()

	seedMergedOCR(t, blob, job, []external.OCRPage{
		{PageNumber: 1, Text: "Smith v. Jones"},
		{PageNumber: 2, Text: "Exhibit A"},
	})

	entities, err := stages.Handler(StageEntityExtraction, nil)
	require.NoError(t, err)
	items, err := entities.Items(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, []string{"page:1", "page:2"}, items)

	for _, item := range items {
		require.NoError(t, entities.ProcessItem(ctx, job, item))
	}

	aliases, err := stages.Handler(StageAliasResolution, nil)
	require.NoError(t, err)
	require.NoError(t, aliases.ProcessItem(ctx, job, "aliases"))

	_, err = blob.Download(ctx, aliasesPath(job.MatterID, *job.DocumentID))
	assert.NoError(t, err)

	timeline, err := stages.Handler(StageTimeline, nil)
	require.NoError(t, err)
	require.NoError(t, timeline.ProcessItem(ctx, job, "timeline"))
	_, err = blob.Download(ctx, timelinePath(job.MatterID, *job.DocumentID))
	assert.NoError(t, err)
}

func TestSplitRunes(t *testing.T) {
	assert.Nil(t, splitRunes("", 10))
	assert.Equal(t, []string{"abc"}, splitRunes("abc", 10))
	assert.Equal(t, []string{"ab", "cd", "e"}, splitRunes("abcde", 2))
}
