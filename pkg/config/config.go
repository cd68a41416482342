// Package config loads and validates the engine configuration from
// lexpipe.yaml plus environment variables. Each concern has its own struct
// with a Default*Config() constructor; the loader merges file values over
// the defaults.
package config

import "time"

// Config is the umbrella configuration object returned by Load() and passed
// to every component at startup.
type Config struct {
	Queue     *QueueConfig     `yaml:"queue"`
	Recovery  *RecoveryConfig  `yaml:"recovery"`
	RateLimit *RateLimitConfig `yaml:"rate_limit"`
	ETA       *ETAConfig       `yaml:"eta"`
	OCR       *OCRConfig       `yaml:"ocr"`
	Cache     *CacheConfig     `yaml:"cache"`
	Redis     *RedisConfig     `yaml:"redis"`
	Server    *ServerConfig    `yaml:"server"`
	Retention *RetentionConfig `yaml:"retention"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the address the API server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// BlobDir is the root directory for stored document and OCR blobs.
	BlobDir string `yaml:"blob_dir"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:      ":8080",
		BlobDir:         "/var/lib/lexpipe/blobs",
		ShutdownTimeout: 30 * time.Second,
	}
}

// RedisConfig holds Redis connection settings. Redis backs rate limiting,
// the ETA metrics window, and the worker liveness registry.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DefaultRedisConfig returns the built-in Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr: "localhost:6379",
	}
}

// RetentionConfig controls background cleanup behavior.
type RetentionConfig struct {
	// ChunkRetention is how long settled OCR chunk rows for inactive jobs
	// are kept before deletion.
	ChunkRetention time.Duration `yaml:"chunk_retention"`

	// TaskRetention is how long finished task rows are kept.
	TaskRetention time.Duration `yaml:"task_retention"`

	// EventRetention is how long broadcast event rows are kept.
	EventRetention time.Duration `yaml:"event_retention"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		ChunkRetention:  24 * time.Hour,
		TaskRetention:   7 * 24 * time.Hour,
		EventRetention:  1 * time.Hour,
		CleanupInterval: 1 * time.Hour,
	}
}
