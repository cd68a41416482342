package config

import "time"

// RecoveryConfig controls the background sweepers that repair stale and
// stuck jobs.
type RecoveryConfig struct {
	// StaleTimeout is how long a PROCESSING job can go without a heartbeat
	// before the sweeper treats its worker as dead.
	StaleTimeout time.Duration `yaml:"stale_timeout"`

	// MaxRecoveryRetries bounds automatic requeues of the same job by the
	// stale sweeper. Past this the job fails permanently.
	MaxRecoveryRetries int `yaml:"max_recovery_retries"`

	// StuckQueuedThreshold is how long a QUEUED job may sit untouched
	// before the sweeper re-enqueues a task for it.
	StuckQueuedThreshold time.Duration `yaml:"stuck_queued_threshold"`

	// SweepInterval is how often the stale and stuck sweeps run.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DriftInterval is how often the progress drift reconciler runs.
	DriftInterval time.Duration `yaml:"drift_interval"`

	// BatchLimit caps rows examined per sweep.
	BatchLimit int `yaml:"batch_limit"`
}

// DefaultRecoveryConfig returns the built-in recovery defaults.
func DefaultRecoveryConfig() *RecoveryConfig {
	return &RecoveryConfig{
		StaleTimeout:         30 * time.Minute,
		MaxRecoveryRetries:   3,
		StuckQueuedThreshold: 10 * time.Minute,
		SweepInterval:        5 * time.Minute,
		DriftInterval:        10 * time.Minute,
		BatchLimit:           100,
	}
}
