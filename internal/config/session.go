package config

import "time"

// SessionConfig drives the reminder sweep over open, unpaid sessions.
type SessionConfig struct {
	ReminderSchedule string        // cron spec, e.g. "@every 1m"
	Limit            time.Duration // soft stay limit that triggers warnings
	Warning          time.Duration // how long before Limit to warn
}

func LoadSessionConfig() SessionConfig {
	cfg := SessionConfig{
		ReminderSchedule: envStr("REMINDER_SCHEDULE", "@every 1m"),
		Limit:            envDur("SESSION_LIMIT", 4*time.Hour),
		Warning:          envDur("SESSION_WARNING", 15*time.Minute),
	}
	if cfg.Warning >= cfg.Limit {
		cfg.Warning = cfg.Limit / 4
	}
	return cfg
}
