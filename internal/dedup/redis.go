package dedup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a shared seen-set for suppressing records across runs and
// probes. Failures are permissive: a Redis error never drops a record.
type Redis struct {
	cli        *redis.Client
	ttl        time.Duration
	log        *zap.SugaredLogger
	errorCount atomic.Int64
}

func NewRedis(addr string, ttl time.Duration, log *zap.SugaredLogger) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Redis{cli: cli, ttl: ttl, log: log}, nil
}

func (r *Redis) Seen(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := r.cli.SetNX(ctx, "seen:"+key, 1, r.ttl).Result()
	if err != nil {
		n := r.errorCount.Add(1)
		if n%100 == 1 { // log every 100th error to avoid spam
			r.log.Warnw("redis seen-set error", "count", n, "err", err)
		}
		return false // be permissive on failure
	}
	return !ok
}

// Ping reports Redis connectivity for health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}
