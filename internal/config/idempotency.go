package config

import "time"

// IdempotencyConfig controls replay protection for mutating requests that
// carry an Idempotency-Key header.
type IdempotencyConfig struct {
	Enabled      bool
	Prefix       string
	TTL          time.Duration // lifetime of a stored response
	LockTTL      time.Duration // how long an in-flight marker blocks duplicates
	MaxBodyBytes int
}

func LoadIdempotencyConfig() IdempotencyConfig {
	cfg := IdempotencyConfig{
		Enabled:      envBool("IDEMPOTENCY_ENABLED", true),
		Prefix:       envStr("IDEMPOTENCY_PREFIX", "idempotency"),
		TTL:          envDur("IDEMPOTENCY_TTL", 24*time.Hour),
		LockTTL:      envDur("IDEMPOTENCY_LOCK_TTL", 30*time.Second),
		MaxBodyBytes: envInt("IDEMPOTENCY_MAX_BODY_BYTES", 64*1024),
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return cfg
}
