// Package idempotency freezes the outcome of a mutating request under a
// client supplied key so a retry replays the first response instead of
// running the operation again.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/parking-occupancy/internal/config"
	"github.com/iliyamo/parking-occupancy/internal/logger"
)

// ErrInProgress is returned when another request with the same key is still
// executing.  Clients should retry later with the same key.
var ErrInProgress = errors.New("request with this idempotency key is in progress")

// unlockScript deletes the in-flight marker only while it still holds the
// caller's token.  A marker that expired and was taken by a later request is
// left alone.
var unlockScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Record is the frozen outcome of an operation.  Body is replayed byte for
// byte.  Volatile records are returned to the caller but never stored.
type Record struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
	Volatile    bool   `json:"-"`
}

// storable reports whether the outcome is final.  Throttling and server
// side failures are left unrecorded so a retry can still succeed.
func (r Record) storable() bool {
	if r.Volatile || r.Status == 0 {
		return false
	}
	return r.Status != http.StatusTooManyRequests && r.Status < http.StatusInternalServerError
}

// Guard maps idempotency keys to records in Redis.  Keys are global: the
// guard does not detect one key reused for different operations.
type Guard struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	lockTTL time.Duration
	enabled bool
	log     *logger.Logger
}

func New(rdb *redis.Client, cfg config.IdempotencyConfig, log *logger.Logger) *Guard {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "idempotency"
	}
	return &Guard{
		rdb:     rdb,
		prefix:  prefix,
		ttl:     cfg.TTL,
		lockTTL: cfg.LockTTL,
		enabled: cfg.Enabled,
		log:     logger.OrNop(log).With("component", "idempotency"),
	}
}

func (g *Guard) key(k string) string     { return g.prefix + ":" + k }
func (g *Guard) lockKey(k string) string { return g.prefix + ":" + k + ":lock" }

// Active reports whether the guard can do anything at all.
func (g *Guard) Active() bool {
	return g != nil && g.enabled && g.rdb != nil
}

// Lookup returns the stored record for key, if any.
func (g *Guard) Lookup(ctx context.Context, key string) (Record, bool, error) {
	raw, err := g.rdb.Get(ctx, g.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Execute returns the stored record for key without calling op, or calls op,
// stores its record for the configured TTL and returns it.  The boolean is
// true when the record was replayed.  When the store is unreachable op runs
// unguarded.  An error from op is returned as is and nothing is stored.
func (g *Guard) Execute(ctx context.Context, key string, op func(ctx context.Context) (Record, error)) (Record, bool, error) {
	if !g.Active() || key == "" {
		rec, err := op(ctx)
		return rec, false, err
	}

	rec, found, err := g.Lookup(ctx, key)
	if err != nil {
		g.log.Warn("idempotency lookup failed, executing unguarded", "key", key, "error", err)
		rec, err := op(ctx)
		return rec, false, err
	}
	if found {
		g.log.Info("idempotency hit", "key", key, "status", rec.Status)
		return rec, true, nil
	}

	token := uuid.NewString()
	locked, err := g.rdb.SetNX(ctx, g.lockKey(key), token, g.lockTTL).Result()
	if err != nil {
		g.log.Warn("idempotency lock failed, executing unguarded", "key", key, "error", err)
		rec, err := op(ctx)
		return rec, false, err
	}
	if !locked {
		// The holder may have finished between our lookup and SETNX.
		if rec, found, err := g.Lookup(ctx, key); err == nil && found {
			return rec, true, nil
		}
		return Record{}, false, ErrInProgress
	}
	defer func() {
		n, err := unlockScript.Run(context.Background(), g.rdb, []string{g.lockKey(key)}, token).Int()
		switch {
		case err != nil:
			g.log.Warn("idempotency unlock failed", "key", key, "error", err)
		case n == 0:
			g.log.Warn("idempotency marker expired before the operation finished", "key", key)
		}
	}()

	rec, err = op(ctx)
	if err != nil {
		return rec, false, err
	}
	if rec.storable() {
		if raw, mErr := json.Marshal(rec); mErr == nil {
			if sErr := g.rdb.Set(context.Background(), g.key(key), raw, g.ttl).Err(); sErr != nil {
				g.log.Error("idempotency store failed", "key", key, "error", sErr)
			}
		}
	}
	return rec, false, nil
}
