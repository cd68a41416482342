package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lexpipe/lexpipe/pkg/external"
)

// merge downloads every completed chunk's result blob in chunk_index order
// and concatenates them into one document-wide OCRResult, renumbering
// reading_order_index globally so downstream stages see a single stream.
func (c *Coordinator) merge(ctx context.Context, documentID string) (*external.OCRResult, error) {
	completed, err := c.chunks.ListCompleted(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed chunks: %w", err)
	}

	merged := &external.OCRResult{}
	readingOrder := 0
	for _, chunk := range completed {
		data, err := c.blob.Download(ctx, chunk.ResultBlobPath)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s result: %w", chunk.Label(), err)
		}
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != chunk.ResultChecksum {
			return nil, fmt.Errorf("checksum mismatch on %s result", chunk.Label())
		}

		var result external.OCRResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to decode %s result: %w", chunk.Label(), err)
		}

		for _, page := range result.Pages {
			for i := range page.Blocks {
				page.Blocks[i].ReadingOrderIndex = readingOrder
				readingOrder++
			}
			merged.Pages = append(merged.Pages, page)
		}
	}
	return merged, nil
}

// CleanupChunks deletes a document's chunk result blobs. Row deletion is the
// chunk store's job; this only clears the object store. Failures on
// individual blobs are collected, not fatal.
func (c *Coordinator) CleanupChunks(ctx context.Context, documentID string) (int, []error) {
	completed, err := c.chunks.ListCompleted(ctx, documentID)
	if err != nil {
		return 0, []error{fmt.Errorf("failed to list chunks for cleanup: %w", err)}
	}

	deleted := 0
	var errs []error
	for _, chunk := range completed {
		if chunk.ResultBlobPath == "" {
			continue
		}
		if err := c.blob.Delete(ctx, chunk.ResultBlobPath); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", chunk.Label(), err))
			continue
		}
		deleted++
	}
	return deleted, errs
}
