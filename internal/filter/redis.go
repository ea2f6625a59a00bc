package filter

import (
	"context"

	"github.com/go-redis/redis"

	"github.com/crawlkit/crawlkit/internal/types"
)

// RedisFilter backs the duplicate filter with a shared Redis set, so
// every crawler process in a distributed deployment observes the same
// admission decisions. Fingerprints are stored as set members under a
// single key. Add issues SADD and ignores its return value; Contains
// is a separate SISMEMBER read.
type RedisFilter struct {
	client *redis.Client
	key    string
}

// NewRedisFilter creates a Filter backed by the given Redis client,
// namespacing its set under key (e.g. "crawlkit:seen").
func NewRedisFilter(client *redis.Client, key string) *RedisFilter {
	return &RedisFilter{client: client, key: key}
}

func (f *RedisFilter) Add(_ context.Context, fp string) error {
	if err := f.client.SAdd(f.key, fp).Err(); err != nil {
		return &types.ComponentError{Kind: "filter", Name: "redis", Err: err}
	}
	return nil
}

func (f *RedisFilter) Contains(_ context.Context, fp string) (bool, error) {
	ok, err := f.client.SIsMember(f.key, fp).Result()
	if err != nil {
		return false, &types.ComponentError{Kind: "filter", Name: "redis", Err: err}
	}
	return ok, nil
}

func (f *RedisFilter) Size(_ context.Context) (int, error) {
	n, err := f.client.SCard(f.key).Result()
	if err != nil {
		return 0, &types.ComponentError{Kind: "filter", Name: "redis", Err: err}
	}
	return int(n), nil
}
