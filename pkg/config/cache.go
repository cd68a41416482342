package config

import "time"

// CacheConfig controls the per-matter in-process cache.
type CacheConfig struct {
	// EntriesPerMatter is the LRU capacity of each matter's cache.
	EntriesPerMatter int `yaml:"entries_per_matter"`

	// TTL is the expiry on cached entries.
	TTL time.Duration `yaml:"ttl"`

	// MaxMatters bounds how many matters keep a live cache at once.
	MaxMatters int `yaml:"max_matters"`
}

// DefaultCacheConfig returns the built-in cache defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		EntriesPerMatter: 512,
		TTL:              5 * time.Minute,
		MaxMatters:       256,
	}
}
