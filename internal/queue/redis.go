package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a shared work queue of source URLs, so several harvester
// instances can split one source registry.
type RedisQueue struct {
	cli      *redis.Client
	queueKey string
	procKey  string
	leaseTTL time.Duration
}

type item struct {
	URL     string `json:"url"`
	TS      int64  `json:"ts"`
	Attempt int    `json:"attempt"`
}

func NewRedis(addr, key string, lease time.Duration) (*RedisQueue, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisQueue{cli: cli, queueKey: key, procKey: key + ":processing", leaseTTL: lease}, nil
}

// Lease pops one source URL into the processing list and returns an ack
// that removes it once the source has been handled.
func (q *RedisQueue) Lease(ctx context.Context) (string, func() error, error) {
	res, err := q.cli.BRPopLPush(ctx, q.queueKey, q.procKey, 5*time.Second).Result()
	if err == redis.Nil {
		return "", func() error { return nil }, nil
	}
	if err != nil {
		return "", func() error { return err }, err
	}
	var it item
	if err := json.Unmarshal([]byte(res), &it); err != nil {
		return "", func() error { return err }, err
	}
	ack := func() error {
		return q.cli.LRem(ctx, q.procKey, 1, res).Err()
	}
	return it.URL, ack, nil
}

// Seed pushes a source URL into the queue
func (q *RedisQueue) Seed(ctx context.Context, url string) error {
	b, _ := json.Marshal(item{URL: url, TS: time.Now().UTC().Unix(), Attempt: 0})
	return q.cli.LPush(ctx, q.queueKey, string(b)).Err()
}
