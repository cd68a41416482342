package models

import (
	"fmt"
	"time"
)

// ChunkStatus is the lifecycle state of a single OCR page-range chunk.
type ChunkStatus string

// Chunk status constants.
const (
	ChunkStatusPending    ChunkStatus = "PENDING"
	ChunkStatusProcessing ChunkStatus = "PROCESSING"
	ChunkStatusCompleted  ChunkStatus = "COMPLETED"
	ChunkStatusFailed     ChunkStatus = "FAILED"
)

// DocumentOCRChunk is one page-range partition of a large document's OCR
// work. ChunkIndex is 0-based everywhere internally; only human-facing
// strings use 1-based numbering (see Label).
type DocumentOCRChunk struct {
	ID             string      `json:"id"`
	MatterID       string      `json:"matter_id"`
	DocumentID     string      `json:"document_id"`
	ChunkIndex     int         `json:"chunk_index"`
	PageStart      int         `json:"page_start"`
	PageEnd        int         `json:"page_end"`
	Status         ChunkStatus `json:"status"`
	ResultBlobPath string      `json:"result_blob_path,omitempty"`
	ResultChecksum string      `json:"result_checksum,omitempty"`
	Attempts       int         `json:"attempts"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// GetMatterID implements matter.Scoped.
func (c *DocumentOCRChunk) GetMatterID() string { return c.MatterID }

// Label returns the 1-based human-facing chunk description used in error
// messages and stage labels, e.g. "Chunk 13 (pages 276-300)".
func (c *DocumentOCRChunk) Label() string {
	return fmt.Sprintf("Chunk %d (pages %d-%d)", c.ChunkIndex+1, c.PageStart, c.PageEnd)
}

// ChunkProgress aggregates chunk statuses for one document.
type ChunkProgress struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// AllSettled reports whether no chunk is pending or still processing.
func (p ChunkProgress) AllSettled() bool {
	return p.Pending == 0 && p.Processing == 0
}

// StaleChunkGroup identifies a document whose chunks are past retention.
type StaleChunkGroup struct {
	DocumentID string `json:"document_id"`
	MatterID   string `json:"matter_id"`
	ChunkCount int    `json:"chunk_count"`
}
