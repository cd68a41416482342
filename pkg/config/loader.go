package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML config file at path and merges it over the built-in
// defaults. A missing file is not an error: the defaults are production-safe.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("No config file found, using defaults", "path", path)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(expandEnv(data), &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// File values win over defaults; zero values in the file leave the
	// default in place.
	if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded", "path", path)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Queue:     DefaultQueueConfig(),
		Recovery:  DefaultRecoveryConfig(),
		RateLimit: DefaultRateLimitConfig(),
		ETA:       DefaultETAConfig(),
		OCR:       DefaultOCRConfig(),
		Cache:     DefaultCacheConfig(),
		Redis:     DefaultRedisConfig(),
		Server:    DefaultServerConfig(),
		Retention: DefaultRetentionConfig(),
	}
}

func (c *Config) validate() error {
	if c.Queue.WorkerCount <= 0 {
		return fmt.Errorf("queue.worker_count must be positive, got %d", c.Queue.WorkerCount)
	}
	if c.Queue.MaxConcurrentJobs < c.Queue.WorkerCount {
		return fmt.Errorf("queue.max_concurrent_jobs (%d) must be at least queue.worker_count (%d)",
			c.Queue.MaxConcurrentJobs, c.Queue.WorkerCount)
	}
	if c.OCR.PagesPerChunk <= 0 {
		return fmt.Errorf("ocr.pages_per_chunk must be positive, got %d", c.OCR.PagesPerChunk)
	}
	if c.Recovery.StaleTimeout <= c.Queue.HeartbeatInterval {
		return fmt.Errorf("recovery.stale_timeout (%v) must exceed queue.heartbeat_interval (%v)",
			c.Recovery.StaleTimeout, c.Queue.HeartbeatInterval)
	}
	for tier, limit := range c.RateLimit.Tiers {
		if limit <= 0 {
			return fmt.Errorf("rate_limit.tiers.%s must be positive, got %d", tier, limit)
		}
	}
	return nil
}

// expandEnv substitutes {{.VAR_NAME}} template references with environment
// variable values. Template syntax instead of $VAR keeps literal dollar
// signs in the file (regex patterns, passwords) untouched.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
