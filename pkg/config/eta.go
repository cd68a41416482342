package config

import "time"

// ETAConfig controls the completion-time estimator.
type ETAConfig struct {
	// HistorySize bounds the rolling window of processing-time samples.
	HistorySize int `yaml:"history_size"`

	// AvgCacheTTL is the expiry on the cached window average.
	AvgCacheTTL time.Duration `yaml:"avg_cache_ttl"`

	// FallbackSecondsPerPage is used when no samples exist yet.
	FallbackSecondsPerPage float64 `yaml:"fallback_seconds_per_page"`

	// FallbackWorkers divides the estimate when live worker count is unknown.
	FallbackWorkers int `yaml:"fallback_workers"`

	// MinEstimate floors every estimate; sub-30s promises read as broken
	// the moment anything queues.
	MinEstimate time.Duration `yaml:"min_estimate"`
}

// DefaultETAConfig returns the built-in estimator defaults.
func DefaultETAConfig() *ETAConfig {
	return &ETAConfig{
		HistorySize:            100,
		AvgCacheTTL:            60 * time.Second,
		FallbackSecondsPerPage: 3.0,
		FallbackWorkers:        2,
		MinEstimate:            30 * time.Second,
	}
}
