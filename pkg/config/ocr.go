package config

import "time"

// OCRConfig controls OCR chunk planning and fan-out.
type OCRConfig struct {
	// ChunkThresholdPages is the page count above which a document is OCR'd
	// in parallel chunks instead of one pass.
	ChunkThresholdPages int `yaml:"chunk_threshold_pages"`

	// PagesPerChunk is the page-range size for each chunk.
	PagesPerChunk int `yaml:"pages_per_chunk"`

	// MaxChunkAttempts bounds per-chunk OCR attempts before the chunk
	// fails permanently.
	MaxChunkAttempts int `yaml:"max_chunk_attempts"`

	// Concurrency is how many chunks one job OCRs in parallel.
	Concurrency int `yaml:"concurrency"`

	// ChunkPollInterval is how often the coordinator re-checks chunk
	// progress while waiting for the fan-out to settle.
	ChunkPollInterval time.Duration `yaml:"chunk_poll_interval"`
}

// DefaultOCRConfig returns the built-in OCR defaults.
func DefaultOCRConfig() *OCRConfig {
	return &OCRConfig{
		ChunkThresholdPages: 25,
		PagesPerChunk:       25,
		MaxChunkAttempts:    3,
		Concurrency:         4,
		ChunkPollInterval:   2 * time.Second,
	}
}
