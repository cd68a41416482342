package ocr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexpipe/lexpipe/pkg/services"
)

func TestPlanChunks(t *testing.T) {
	tests := []struct {
		name          string
		pageCount     int
		pagesPerChunk int
		want          []services.ChunkSpec
	}{
		{
			name:      "even split",
			pageCount: 50, pagesPerChunk: 25,
			want: []services.ChunkSpec{
				{ChunkIndex: 0, PageStart: 1, PageEnd: 25},
				{ChunkIndex: 1, PageStart: 26, PageEnd: 50},
			},
		},
		{
			name:      "short tail",
			pageCount: 60, pagesPerChunk: 25,
			want: []services.ChunkSpec{
				{ChunkIndex: 0, PageStart: 1, PageEnd: 25},
				{ChunkIndex: 1, PageStart: 26, PageEnd: 50},
				{ChunkIndex: 2, PageStart: 51, PageEnd: 60},
			},
		},
		{
			name:      "single page",
			pageCount: 1, pagesPerChunk: 25,
			want: []services.ChunkSpec{{ChunkIndex: 0, PageStart: 1, PageEnd: 1}},
		},
		{name: "zero pages", pageCount: 0, pagesPerChunk: 25, want: nil},
		{name: "bad chunk size", pageCount: 10, pagesPerChunk: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlanChunks(tt.pageCount, tt.pagesPerChunk))
		})
	}
}

// Every page must land in exactly one chunk, in order, with no overlap.
func TestPlanChunks_Partition(t *testing.T) {
	for _, pages := range []int{26, 99, 100, 101, 250} {
		specs := PlanChunks(pages, 25)
		require.NotEmpty(t, specs)

		next := 1
		for i, spec := range specs {
			assert.Equal(t, i, spec.ChunkIndex)
			assert.Equal(t, next, spec.PageStart)
			assert.GreaterOrEqual(t, spec.PageEnd, spec.PageStart)
			next = spec.PageEnd + 1
		}
		assert.Equal(t, pages+1, next)
	}
}
