package config

import "time"

// RateLimitConfig holds the per-tier request budgets. Limits are requests
// per minute per key (matter or client).
type RateLimitConfig struct {
	// Enabled toggles rate limiting globally.
	Enabled bool `yaml:"enabled"`

	// WindowTTL is the expiry on per-minute counter keys. Must exceed one
	// minute so a window survives until it can no longer be consulted.
	WindowTTL time.Duration `yaml:"window_ttl"`

	// Tiers maps tier name to requests per minute.
	Tiers map[string]int `yaml:"tiers"`
}

// Rate limit tier names.
const (
	TierCritical = "CRITICAL"
	TierExport   = "EXPORT"
	TierSearch   = "SEARCH"
	TierStandard = "STANDARD"
	TierReadOnly = "READONLY"
	TierHealth   = "HEALTH"
)

// DefaultRateLimitConfig returns the built-in tier budgets.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled:   true,
		WindowTTL: 120 * time.Second,
		Tiers: map[string]int{
			TierCritical: 30,
			TierExport:   20,
			TierSearch:   60,
			TierStandard: 100,
			TierReadOnly: 120,
			TierHealth:   300,
		},
	}
}

// Limit returns the per-minute budget for a tier, falling back to STANDARD
// for unknown names.
func (c *RateLimitConfig) Limit(tier string) int {
	if n, ok := c.Tiers[tier]; ok {
		return n
	}
	return c.Tiers[TierStandard]
}
