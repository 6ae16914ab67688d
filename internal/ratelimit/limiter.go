// Package ratelimit counts actions per (action, subject) in fixed windows
// stored in Redis.  The counter store is auxiliary: when it cannot be
// reached the limiter allows the action.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/parking-occupancy/internal/logger"
)

// Policy names an action and how often a single subject may perform it.
type Policy struct {
	Action string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one counted attempt.
type Decision struct {
	Allowed    bool
	Count      int64
	Remaining  int64
	RetryAfter time.Duration
}

// incrScript increments the window counter and sets its expiry on the first
// hit of a window.  A counter found without a TTL gets one as well so a
// stray key can never pin a subject forever.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return { current, ttl }
`)

// Limiter is safe for concurrent use; all state lives in Redis.
type Limiter struct {
	rdb     *redis.Client
	prefix  string
	enabled bool
	log     *logger.Logger
}

// New returns a limiter.  A nil client or enabled=false yields a limiter
// that allows everything.
func New(rdb *redis.Client, prefix string, enabled bool, log *logger.Logger) *Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Limiter{
		rdb:     rdb,
		prefix:  prefix,
		enabled: enabled,
		log:     logger.OrNop(log).With("component", "ratelimit"),
	}
}

// Key returns the counter key for an action and subject.
func (l *Limiter) Key(action, subject string) string {
	return strings.Join([]string{l.prefix, action, subject}, ":")
}

// Allow counts one attempt and reports whether it fits inside limit for the
// current window.
func (l *Limiter) Allow(ctx context.Context, action, subject string, limit int, window time.Duration) bool {
	return l.Check(ctx, Policy{Action: action, Limit: limit, Window: window}, subject).Allowed
}

// Check is Allow with the full decision, used where callers surface
// Retry-After or remaining counts.
func (l *Limiter) Check(ctx context.Context, p Policy, subject string) Decision {
	open := Decision{Allowed: true, Remaining: int64(p.Limit)}
	if l == nil || !l.enabled || l.rdb == nil || p.Limit <= 0 || p.Window <= 0 {
		return open
	}
	key := l.Key(p.Action, subject)
	vals, err := incrScript.Run(ctx, l.rdb, []string{key}, p.Window.Milliseconds()).Result()
	if err != nil {
		l.log.Warn("counter store unavailable, allowing", "key", key, "error", err)
		return open
	}
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 2 {
		l.log.Warn("unexpected script result, allowing", "key", key, "result", fmt.Sprintf("%#v", vals))
		return open
	}
	count := asInt64(arr[0])
	ttl := time.Duration(asInt64(arr[1])) * time.Millisecond

	d := Decision{Count: count, Remaining: int64(p.Limit) - count}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if count > int64(p.Limit) {
		d.RetryAfter = ttl
		l.log.Info("rate limit exceeded", "action", p.Action, "subject", subject, "count", count)
		return d
	}
	d.Allowed = true
	return d
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
