package repository

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/pkg/logger"
)

// RateLimitRepository counts requests per key inside a fixed window.
type RateLimitRepository interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type redisRateLimitRepository struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisRateLimitRepository(client *redis.Client, limit int, window time.Duration) RateLimitRepository {
	return &redisRateLimitRepository{client: client, limit: limit, window: window}
}

func (r *redisRateLimitRepository) Allow(ctx context.Context, key string) (bool, error) {
	// Hash the key for privacy
	hashedKey := fmt.Sprintf("registration:ratelimit:%x", sha256.Sum256([]byte(key)))

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	count, err := r.client.Incr(ctx, hashedKey).Result()
	if err != nil {
		// On redis error, allow the request (fail open)
		logger.WarnContext(ctx, "Rate limit check failed", "error", err)
		return true, nil
	}
	if count == 1 {
		if err := r.client.Expire(ctx, hashedKey, r.window).Err(); err != nil {
			logger.WarnContext(ctx, "Rate limit expiry not set", "error", err)
		}
	}

	return count <= int64(r.limit), nil
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

type memoryRateLimitRepository struct {
	mu      sync.Mutex
	clock   clock.Clock
	limit   int
	window  time.Duration
	windows map[string]memoryWindow
}

// NewMemoryRateLimitRepository is the single-process fallback when Redis is
// not configured. Same fixed-window semantics as the Redis limiter.
func NewMemoryRateLimitRepository(clk clock.Clock, limit int, window time.Duration) RateLimitRepository {
	return &memoryRateLimitRepository{
		clock:   clk,
		limit:   limit,
		window:  window,
		windows: make(map[string]memoryWindow),
	}
}

func (r *memoryRateLimitRepository) Allow(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for k, w := range r.windows {
		if !now.Before(w.resetAt) {
			delete(r.windows, k)
		}
	}

	w, ok := r.windows[key]
	if !ok {
		w = memoryWindow{resetAt: now.Add(r.window)}
	}
	w.count++
	r.windows[key] = w

	return w.count <= r.limit, nil
}
