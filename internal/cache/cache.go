// Package cache is a three-tier key/value store: an in-process LRU, an
// optional shared Redis tier, and a local disk tier. The cache is an
// accelerator, never a correctness dependency; every tier failure degrades
// silently to the next tier or to a miss.
package cache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gustycube/subharvest/internal/metrics"
)

// Entry is the stored envelope. It never leaves the cache's get/set
// contract.
type Entry struct {
	Value   json.RawMessage `json:"value"`
	Expiry  time.Time       `json:"expiry"`
	Created time.Time       `json:"created"`
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.Expiry)
}

// Options configures a MultiTier cache.
type Options struct {
	L1Size    int
	RedisAddr string // empty disables the shared tier
	Dir       string // empty disables the disk tier
	KeyPrefix string
}

// MultiTier consults tiers in order L1 -> L2 -> L3 and promotes hits into
// every faster tier.
type MultiTier struct {
	l1   *lru.Cache[string, Entry]
	rdb  *redis.Client // nil when the shared tier is absent
	disk *diskTier     // nil when the disk tier is disabled
	pfx  string
	log  *zap.SugaredLogger
}

// NewMultiTier builds the cache. An unreachable Redis at startup disables
// the shared tier rather than failing.
func NewMultiTier(opts Options, log *zap.SugaredLogger) (*MultiTier, error) {
	if opts.L1Size <= 0 {
		opts.L1Size = 4096
	}
	l1, err := lru.New[string, Entry](opts.L1Size)
	if err != nil {
		return nil, err
	}

	mt := &MultiTier{l1: l1, pfx: opts.KeyPrefix, log: log}

	if opts.RedisAddr != "" {
		cli := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := cli.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Warnw("cache shared tier unreachable, continuing without it", "addr", opts.RedisAddr, "err", err)
		} else {
			mt.rdb = cli
		}
	}

	if opts.Dir != "" {
		d, err := newDiskTier(opts.Dir)
		if err != nil {
			log.Warnw("cache disk tier unavailable, continuing without it", "dir", opts.Dir, "err", err)
		} else {
			mt.disk = d
		}
	}

	return mt, nil
}

// Get returns the unexpired value for key, consulting L1, then L2, then
// L3. A hit in a slower tier is promoted into every faster tier.
func (mt *MultiTier) Get(ctx context.Context, key string) ([]byte, bool) {
	now := time.Now()

	if e, ok := mt.l1.Get(key); ok {
		if !e.expired(now) {
			metrics.CacheRequests.WithLabelValues("l1", "hit").Inc()
			return e.Value, true
		}
		mt.l1.Remove(key)
	}
	metrics.CacheRequests.WithLabelValues("l1", "miss").Inc()

	if e, ok := mt.getRedis(ctx, key, now); ok {
		metrics.CacheRequests.WithLabelValues("l2", "hit").Inc()
		mt.l1.Add(key, e)
		return e.Value, true
	}
	metrics.CacheRequests.WithLabelValues("l2", "miss").Inc()

	if e, ok := mt.getDisk(key, now); ok {
		metrics.CacheRequests.WithLabelValues("l3", "hit").Inc()
		mt.l1.Add(key, e)
		mt.setRedis(ctx, key, e)
		return e.Value, true
	}
	metrics.CacheRequests.WithLabelValues("l3", "miss").Inc()

	return nil, false
}

// Set writes the value to every available tier with the given TTL.
func (mt *MultiTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	e := Entry{Value: append([]byte(nil), value...), Expiry: now.Add(ttl), Created: now}

	mt.l1.Add(key, e)
	mt.setRedis(ctx, key, e)
	if mt.disk != nil {
		if err := mt.disk.write(key, e); err != nil {
			mt.log.Debugw("cache disk write failed", "key", key, "err", err)
		}
	}
	return nil
}

// Invalidate removes key from every tier.
func (mt *MultiTier) Invalidate(ctx context.Context, key string) {
	mt.l1.Remove(key)
	if mt.rdb != nil {
		if err := mt.rdb.Del(ctx, mt.pfx+key).Err(); err != nil {
			mt.log.Debugw("cache shared delete failed", "key", key, "err", err)
		}
	}
	if mt.disk != nil {
		mt.disk.remove(key)
	}
}

// Clear empties every tier.
func (mt *MultiTier) Clear(ctx context.Context) {
	mt.l1.Purge()
	if mt.rdb != nil {
		iter := mt.rdb.Scan(ctx, 0, mt.pfx+"*", 0).Iterator()
		for iter.Next(ctx) {
			mt.rdb.Del(ctx, iter.Val())
		}
	}
	if mt.disk != nil {
		mt.disk.clear()
	}
}

// Sweep drops expired entries from the process and disk tiers and deletes
// corrupted disk files. Redis expires its own keys.
func (mt *MultiTier) Sweep(ctx context.Context) {
	now := time.Now()
	for _, key := range mt.l1.Keys() {
		if e, ok := mt.l1.Peek(key); ok && e.expired(now) {
			mt.l1.Remove(key)
		}
	}
	if mt.disk != nil {
		mt.disk.sweep(now)
	}
	_ = ctx
}

// SharedTierEnabled reports whether the Redis tier survived startup.
func (mt *MultiTier) SharedTierEnabled() bool { return mt.rdb != nil }

// PingShared reports shared-tier connectivity for health checks.
func (mt *MultiTier) PingShared(ctx context.Context) error {
	if mt.rdb == nil {
		return nil
	}
	return mt.rdb.Ping(ctx).Err()
}

func (mt *MultiTier) getRedis(ctx context.Context, key string, now time.Time) (Entry, bool) {
	if mt.rdb == nil {
		return Entry{}, false
	}
	raw, err := mt.rdb.Get(ctx, mt.pfx+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			mt.log.Debugw("cache shared read failed", "key", key, "err", err)
		}
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		mt.rdb.Del(ctx, mt.pfx+key)
		return Entry{}, false
	}
	if e.expired(now) {
		mt.rdb.Del(ctx, mt.pfx+key)
		return Entry{}, false
	}
	return e, true
}

func (mt *MultiTier) setRedis(ctx context.Context, key string, e Entry) {
	if mt.rdb == nil {
		return
	}
	ttl := time.Until(e.Expiry)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := mt.rdb.Set(ctx, mt.pfx+key, raw, ttl).Err(); err != nil {
		mt.log.Debugw("cache shared write failed", "key", key, "err", err)
	}
}

func (mt *MultiTier) getDisk(key string, now time.Time) (Entry, bool) {
	if mt.disk == nil {
		return Entry{}, false
	}
	return mt.disk.read(key, now)
}
