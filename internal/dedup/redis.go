package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "diagnosis:"

// RedisBackend shares the cache between Lambda instances. SET with PX writes
// value and expiry in one command.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
}

type RedisOption func(*RedisBackend)

func WithPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) {
		b.prefix = prefix
	}
}

func NewRedisBackend(client redis.Cmdable, opts ...RedisOption) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("dedup: redis client must not be nil")
	}
	b := &RedisBackend{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *RedisBackend) key(k string) string {
	return b.prefix + k
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return data, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, b.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
