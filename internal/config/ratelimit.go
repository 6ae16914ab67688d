package config

import "time"

// RateLimitConfig holds the fixed-window policies enforced through Redis
// counters.  Pay and Gate are per-user business limits applied by the
// occupancy service; API is the general per-subject throttle applied by
// HTTP middleware in front of every protected route.
type RateLimitConfig struct {
	Enabled    bool
	Prefix     string
	PayLimit   int
	PayWindow  time.Duration
	GateLimit  int
	GateWindow time.Duration
	APILimit   int
	APIWindow  time.Duration
}

func LoadRateLimitConfig() RateLimitConfig {
	def := RateLimitConfig{
		Enabled:    envBool("RATE_LIMIT_ENABLED", true),
		Prefix:     envStr("RATE_LIMIT_PREFIX", "ratelimit"),
		PayLimit:   envInt("PAY_LIMIT", 3),
		PayWindow:  envDur("PAY_WINDOW", time.Minute),
		GateLimit:  envInt("GATE_LIMIT", 5),
		GateWindow: envDur("GATE_WINDOW", time.Minute),
		APILimit:   envInt("API_LIMIT", 120),
		APIWindow:  envDur("API_WINDOW", time.Minute),
	}
	if def.PayLimit < 1 { def.PayLimit = 1 }
	if def.GateLimit < 1 { def.GateLimit = 1 }
	if def.APILimit < 1 { def.APILimit = 1 }
	if def.PayWindow < time.Second { def.PayWindow = time.Minute }
	if def.GateWindow < time.Second { def.GateWindow = time.Minute }
	if def.APIWindow < time.Second { def.APIWindow = time.Minute }
	return def
}
