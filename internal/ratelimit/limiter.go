package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMaxPerHour = 30

	bucketLayout = "2006010215"
	bucketWindow = time.Hour
)

// HourBucket names the UTC hour t falls in, e.g. "2026030109".
func HourBucket(t time.Time) string {
	return t.UTC().Format(bucketLayout)
}

// Limiter counts classifier dispatches per user and hour.
type Limiter interface {
	// Allow records one dispatch for userID in bucket and reports whether the
	// user is still within the hourly limit including this one.
	Allow(ctx context.Context, userID, bucket string) (bool, error)
}

// MemoryLimiter is a process-local Limiter.
type MemoryLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]map[string]int // bucket -> user -> count
}

func NewMemoryLimiter(maxPerHour int) *MemoryLimiter {
	if maxPerHour <= 0 {
		maxPerHour = DefaultMaxPerHour
	}
	return &MemoryLimiter{max: maxPerHour, counts: make(map[string]map[string]int)}
}

func (l *MemoryLimiter) Allow(_ context.Context, userID, bucket string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	users, ok := l.counts[bucket]
	if !ok {
		// Buckets sort lexically by time, so anything older than the new one is done.
		for b := range l.counts {
			if b < bucket {
				delete(l.counts, b)
			}
		}
		users = make(map[string]int)
		l.counts[bucket] = users
	}
	users[userID]++
	return users[userID] <= l.max, nil
}

// RedisLimiter shares counters between instances with INCR and EXPIRE.
type RedisLimiter struct {
	client redis.Cmdable
	max    int
}

func NewRedisLimiter(client redis.Cmdable, maxPerHour int) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client must not be nil")
	}
	if maxPerHour <= 0 {
		maxPerHour = DefaultMaxPerHour
	}
	return &RedisLimiter{client: client, max: maxPerHour}, nil
}

func rateKey(userID, bucket string) string {
	return "rate:" + userID + ":" + bucket
}

func (l *RedisLimiter) Allow(ctx context.Context, userID, bucket string) (bool, error) {
	key := rateKey(userID, bucket)
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, bucketWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis pipeline failed: %w", err)
	}
	return incr.Val() <= int64(l.max), nil
}
