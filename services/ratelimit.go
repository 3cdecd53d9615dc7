package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter bounds how often a keyed action may happen inside a rolling
// window. Allow reports whether the action may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisRateLimiter is a fixed-window counter shared across instances.
type RedisRateLimiter struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
}

func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{Client: client, Limit: limit, Window: window}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("pagerloop:ratelimit:%s", key)

	count, err := r.Client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if count == 1 {
		// First hit of the window owns the expiry.
		if err := r.Client.Expire(ctx, redisKey, r.Window).Err(); err != nil {
			return false, fmt.Errorf("failed to set rate limit expiry: %w", err)
		}
	}
	return count <= int64(r.Limit), nil
}

// MemoryRateLimiter is an in-process fixed-window counter for tests and
// single-instance deployments.
type MemoryRateLimiter struct {
	Limit  int
	Window time.Duration

	mu      sync.Mutex
	counts  map[string]int
	resets  map[string]time.Time
	nowFunc func() time.Time
}

func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		Limit:   limit,
		Window:  window,
		counts:  make(map[string]int),
		resets:  make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

func (m *MemoryRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if reset, ok := m.resets[key]; !ok || now.After(reset) {
		m.counts[key] = 0
		m.resets[key] = now.Add(m.Window)
	}
	m.counts[key]++
	return m.counts[key] <= m.Limit, nil
}
