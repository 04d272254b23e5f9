package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/metrics"
)

// slidingWindowScript за один round-trip чистит окно, считает запросы и,
// если лимит не превышен, регистрирует текущий.
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
  return {0, count}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, count + 1}
`)

// RedisRateLimiter — скользящее окно в ZSET на идентификатор.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisRateLimiter создаёт лимитер: не больше limit запросов за window.
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: limit, window: window, prefix: prefix, now: time.Now}
}

// Allow регистрирует запрос. При превышении лимита возвращает *domain.RateLimitError с RetryAfter = window.
func (l *RedisRateLimiter) Allow(ctx context.Context, identifier string) error {
	now := l.now()
	args := []any{
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(-l.window).UnixMilli(), 10),
		strconv.Itoa(l.limit),
		strconv.FormatInt(l.window.Milliseconds(), 10),
		strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString(),
	}
	res, err := slidingWindowScript.Run(ctx, l.client, []string{l.prefix + identifier}, args...).Int64Slice()
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if len(res) < 1 || res[0] == 0 {
		metrics.RateLimitRejections.Inc()
		return &domain.RateLimitError{RetryAfter: l.window}
	}
	return nil
}

// MemoryRateLimiter — скользящее окно в памяти процесса для окружений без Redis.
type MemoryRateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewMemoryRateLimiter создаёт лимитер в памяти.
func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time), now: time.Now}
}

// Allow регистрирует запрос под мьютексом.
func (l *MemoryRateLimiter) Allow(_ context.Context, identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.window)
	hits := l.hits[identifier]
	kept := hits[:0]
	for _, ts := range hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.limit {
		l.hits[identifier] = kept
		metrics.RateLimitRejections.Inc()
		return &domain.RateLimitError{RetryAfter: l.window}
	}
	l.hits[identifier] = append(kept, now)
	return nil
}
