package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "luavoice"

// RedisIndex stores the cache index in a single Redis hash, so several
// processes sharing one cache directory see the same entries.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

var _ Index = (*RedisIndex)(nil)

// RedisOption configures a [RedisIndex].
type RedisOption func(*RedisIndex)

// WithPrefix sets the key prefix. Default is "luavoice".
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisIndex) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewRedisIndex returns an index backed by client.
//
// Example:
//
//	idx := NewRedisIndex(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    WithPrefix("lua"),
//	)
func NewRedisIndex(client *redis.Client, opts ...RedisOption) *RedisIndex {
	r := &RedisIndex{client: client, prefix: DefaultRedisPrefix}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *RedisIndex) hashKey() string {
	return r.prefix + ":index"
}

// Ping checks connectivity to the Redis server.
func (r *RedisIndex) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Get implements [Index].
func (r *RedisIndex) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := r.client.HGet(ctx, r.hashKey(), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("redis hget failed: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("failed to unmarshal entry %q: %w", key, err)
	}
	return e, true, nil
}

// Put implements [Index].
func (r *RedisIndex) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := r.client.HSet(ctx, r.hashKey(), e.Key, data).Err(); err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}
	return nil
}

// Delete implements [Index].
func (r *RedisIndex) Delete(ctx context.Context, key string) error {
	if err := r.client.HDel(ctx, r.hashKey(), key).Err(); err != nil {
		return fmt.Errorf("redis hdel failed: %w", err)
	}
	return nil
}

// Clear implements [Index].
func (r *RedisIndex) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.hashKey()).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Len implements [Index].
func (r *RedisIndex) Len(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, r.hashKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen failed: %w", err)
	}
	return int(n), nil
}
