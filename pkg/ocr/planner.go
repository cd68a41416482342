// Package ocr fans a large document's OCR out over page-range chunks,
// tracks per-chunk completion, and merges the chunk results back into one
// artifact. Small documents take a single-pass path with no chunk rows.
package ocr

import (
	"github.com/lexpipe/lexpipe/pkg/services"
)

// PlanChunks partitions pageCount pages into contiguous chunks of at most
// pagesPerChunk. Page numbers are 1-based inclusive; chunk indexes are
// 0-based. Every page lands in exactly one chunk.
func PlanChunks(pageCount, pagesPerChunk int) []services.ChunkSpec {
	if pageCount <= 0 || pagesPerChunk <= 0 {
		return nil
	}
	specs := make([]services.ChunkSpec, 0, (pageCount+pagesPerChunk-1)/pagesPerChunk)
	for start := 1; start <= pageCount; start += pagesPerChunk {
		end := start + pagesPerChunk - 1
		if end > pageCount {
			end = pageCount
		}
		specs = append(specs, services.ChunkSpec{
			ChunkIndex: len(specs),
			PageStart:  start,
			PageEnd:    end,
		})
	}
	return specs
}
