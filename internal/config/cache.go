package config

import "time"

// CacheConfig defines settings for the occupancy snapshot cache.  When
// Enabled is false or no Redis client is configured, every status read goes
// straight to the database.  TTL bounds how stale a snapshot may be when an
// invalidation is lost; it is kept short on purpose.
type CacheConfig struct {
	Enabled     bool
	TTL         time.Duration
	Prefix      string
	LoadTimeout time.Duration // bounds a shared miss load detached from its first caller
}

// LoadCacheConfig reads environment variables to build a CacheConfig.  Defaults
// are used when variables are not set.
func LoadCacheConfig() CacheConfig {
	cfg := CacheConfig{
		Enabled:     envBool("CACHE_ENABLED", true),
		TTL:         envDur("CACHE_TTL", 5*time.Second),
		Prefix:      envStr("CACHE_PREFIX", "parking_status"),
		LoadTimeout: envDur("CACHE_LOAD_TIMEOUT", 5*time.Second),
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 5 * time.Second
	}
	return cfg
}
