// Package ratelimit caps requests per API key per minute. The in-memory limiter is a token
// bucket per key; the redis limiter is a fixed one-minute window shared by every replica.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ubuygold/gpugate/internal/auth"
	"github.com/ubuygold/gpugate/internal/logger"
)

const window = time.Minute

// Limiter decides whether one more request for id fits in the budget.
type Limiter interface {
	Allow(ctx context.Context, id string) (bool, error)
	Close() error
}

// New returns a redis limiter when redisURL is set, otherwise an in-memory one.
func New(requestsPerMinute int, redisURL string) (Limiter, error) {
	if requestsPerMinute <= 0 {
		return nil, fmt.Errorf("requests per minute must be positive, got %d", requestsPerMinute)
	}
	if redisURL != "" {
		return NewRedisLimiter(redisURL, requestsPerMinute, "gpugate:ratelimit")
	}
	return NewMemoryLimiter(requestsPerMinute), nil
}

// MemoryLimiter keeps one token bucket per key in process memory.
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewMemoryLimiter(requestsPerMinute int) *MemoryLimiter {
	return &MemoryLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(window / time.Duration(requestsPerMinute)),
		burst:    requestsPerMinute,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	l, ok := m.limiters[id]
	if !ok {
		l = rate.NewLimiter(m.limit, m.burst)
		m.limiters[id] = l
	}
	m.mu.Unlock()
	return l.Allow(), nil
}

func (m *MemoryLimiter) Close() error { return nil }

// RedisLimiter is a fixed-window counter: INCR on a per-minute key, EXPIRE on the first hit.
type RedisLimiter struct {
	client  *redis.Client
	limit   int64
	baseKey string
	now     func() time.Time
}

func NewRedisLimiter(redisURL string, requestsPerMinute int, baseKey string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLimiter{
		client:  client,
		limit:   int64(requestsPerMinute),
		baseKey: baseKey,
		now:     time.Now,
	}, nil
}

func (r *RedisLimiter) Allow(ctx context.Context, id string) (bool, error) {
	key := fmt.Sprintf("%s:%s:%d", r.baseKey, id, r.now().Unix()/int64(window.Seconds()))
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr failed: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, 2*window).Err(); err != nil {
			return true, fmt.Errorf("redis expire failed: %w", err)
		}
	}
	return count <= r.limit, nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

// Middleware enforces the limiter for the authenticated key. It must run after
// auth.AuthMiddleware. Limiter errors fail open.
func Middleware(l Limiter, log *slog.Logger) gin.HandlerFunc {
	log = log.With("component", "ratelimit")
	return func(c *gin.Context) {
		key, ok := auth.KeyFromContext(c)
		if !ok {
			c.Next()
			return
		}

		allowed, err := l.Allow(c.Request.Context(), strconv.FormatUint(uint64(key.ID), 10))
		if err != nil {
			log.Warn("Rate limiter unavailable, allowing request", "owner", key.Owner, "key_suffix", logger.KeySuffix(key.Key), "error", err)
			c.Next()
			return
		}
		if !allowed {
			log.Info("Rate limit exceeded", "owner", key.Owner, "key_suffix", logger.KeySuffix(key.Key))
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
