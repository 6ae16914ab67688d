// Package cache keeps short-lived occupancy snapshots in Redis.  The
// database stays authoritative: every error here falls through to the
// loader and writers invalidate only after their transaction commits.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/parking-occupancy/internal/config"
	"github.com/iliyamo/parking-occupancy/internal/logger"
	"github.com/iliyamo/parking-occupancy/internal/model"
)

// Loader rebuilds a lot snapshot from the store.
type Loader func(ctx context.Context) (model.LotStatus, error)

// StatusCache serves parking_status:<lot> snapshots.
type StatusCache struct {
	rdb         *redis.Client
	prefix      string
	ttl         time.Duration
	loadTimeout time.Duration
	enabled     bool
	group       singleflight.Group
	log         *logger.Logger
}

func NewStatusCache(rdb *redis.Client, cfg config.CacheConfig, log *logger.Logger) *StatusCache {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "parking_status"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = 5 * time.Second
	}
	return &StatusCache{
		rdb:         rdb,
		prefix:      prefix,
		ttl:         ttl,
		loadTimeout: loadTimeout,
		enabled:     cfg.Enabled,
		log:         logger.OrNop(log).With("component", "status_cache"),
	}
}

func (c *StatusCache) Key(lotID uint64) string {
	return c.prefix + ":" + strconv.FormatUint(lotID, 10)
}

func (c *StatusCache) active() bool { return c != nil && c.enabled && c.rdb != nil }

// Get returns the cached snapshot for lotID, or loads and stores a fresh one.
// hit is true when the snapshot came from Redis.  Concurrent misses for the
// same lot share a single load, which runs detached from any one caller so
// a caller that goes away only abandons its own wait.
func (c *StatusCache) Get(ctx context.Context, lotID uint64, load Loader) (status model.LotStatus, hit bool, err error) {
	if !c.active() {
		status, err = load(ctx)
		return status, false, err
	}
	key := c.Key(lotID)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if uErr := json.Unmarshal(raw, &status); uErr == nil {
			return status, true, nil
		}
		c.log.Warn("discarding undecodable snapshot", "key", key)
	case !errors.Is(err, redis.Nil):
		c.log.Warn("status cache read failed", "key", key, "error", err)
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		st, err := load(lctx)
		if err != nil {
			return model.LotStatus{}, err
		}
		if raw, mErr := json.Marshal(st); mErr == nil {
			if sErr := c.rdb.Set(lctx, key, raw, c.ttl).Err(); sErr != nil {
				c.log.Warn("status cache write failed", "key", key, "error", sErr)
			}
		}
		return st, nil
	})
	select {
	case <-ctx.Done():
		return model.LotStatus{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.LotStatus{}, false, res.Err
		}
		return res.Val.(model.LotStatus), false, nil
	}
}

// Invalidate drops the snapshot for lotID.  Call it after commit.
func (c *StatusCache) Invalidate(ctx context.Context, lotID uint64) error {
	if !c.active() {
		return nil
	}
	return c.rdb.Del(ctx, c.Key(lotID)).Err()
}
