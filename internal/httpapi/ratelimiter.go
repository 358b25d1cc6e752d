package httpapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// APIRateLimiter gates requests per client id. It is independent of the
// worker-side limiter: that one protects the platform account from bans,
// this one protects the API from abusive clients.
type APIRateLimiter interface {
	Allow(ctx context.Context, clientID string) (bool, error)
}

// InProcessAPIRateLimiter is a fixed-window counter per client, used when
// no redis URL is configured; the distributed limiter is an optional
// enhancement, not a hard requirement.
type InProcessAPIRateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	counts map[string]*windowCount
}

type windowCount struct {
	resetAt time.Time
	n       int
}

// NewInProcessAPIRateLimiter builds a limiter allowing max requests per
// window, per client id.
func NewInProcessAPIRateLimiter(window time.Duration, max int) *InProcessAPIRateLimiter {
	return &InProcessAPIRateLimiter{window: window, max: max, counts: make(map[string]*windowCount)}
}

func (l *InProcessAPIRateLimiter) Allow(_ context.Context, clientID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	c, ok := l.counts[clientID]
	if !ok || now.After(c.resetAt) {
		c = &windowCount{resetAt: now.Add(l.window)}
		l.counts[clientID] = c
	}
	if c.n >= l.max {
		return false, nil
	}
	c.n++
	return true, nil
}

// RedisAPIRateLimiter backs the per-client limiter with redis INCR+EXPIRE,
// so multiple API-server replicas share one limit.
type RedisAPIRateLimiter struct {
	client *redis.Client
	window time.Duration
	max    int
}

// NewRedisAPIRateLimiter builds a limiter backed by an existing redis
// client.
func NewRedisAPIRateLimiter(client *redis.Client, window time.Duration, max int) *RedisAPIRateLimiter {
	return &RedisAPIRateLimiter{client: client, window: window, max: max}
}

func (l *RedisAPIRateLimiter) Allow(ctx context.Context, clientID string) (bool, error) {
	key := fmt.Sprintf("taskforge:apirate:%s", clientID)
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("redis expire: %w", err)
		}
	}
	return n <= int64(l.max), nil
}
