package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/metrics"
)

const defaultPollInterval = time.Second

// moveScript атомарно переносит элемент из ZSET KEYS[1] в KEYS[2], заменяя его на ARGV[2].
// ARGV[3]='z' кладёт в ZSET со score ARGV[4], 'h' кладёт в HASH с полем ARGV[4].
// Возвращает 0, если элемент уже забрал другой потребитель.
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if ARGV[3] == 'h' then
  redis.call('HSET', KEYS[2], ARGV[4], ARGV[2])
else
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
end
return 1
`)

// errClaimRaced означает, что созревшую задачу забрал другой потребитель.
var errClaimRaced = errors.New("задачу забрал другой потребитель")

// RedisJobStore реализует отложенную очередь на Redis: ZSET по времени запуска,
// ZSET задач в работе и HASH dead-задач.
type RedisJobStore struct {
	client       *redis.Client
	delayedKey   string
	processKey   string
	deadKey      string
	policy       domain.JobRetryPolicy
	visibility   time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// RedisJobStoreOptions задаёт параметры хранилища.
type RedisJobStoreOptions struct {
	Prefix            string
	Policy            domain.JobRetryPolicy
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// NewRedisJobStore создаёт хранилище с ключами <prefix>:delayed, <prefix>:processing, <prefix>:dead.
func NewRedisJobStore(client *redis.Client, opts RedisJobStoreOptions) *RedisJobStore {
	if opts.Prefix == "" {
		opts.Prefix = "reminder_jobs"
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = domain.DefaultJobRetryPolicy
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &RedisJobStore{
		client:       client,
		delayedKey:   opts.Prefix + ":delayed",
		processKey:   opts.Prefix + ":processing",
		deadKey:      opts.Prefix + ":dead",
		policy:       opts.Policy,
		visibility:   opts.VisibilityTimeout,
		pollInterval: opts.PollInterval,
		now:          time.Now,
	}
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func scoreArg(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// Enqueue планирует задачу на runAt.
func (q *RedisJobStore) Enqueue(ctx context.Context, job domain.DelayedJob, runAt time.Time) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: score(runAt), Member: payload}).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Receive блокируется до появления созревшей задачи или отмены ctx. Номер попытки
// увеличивается при выдаче и сохраняется в самой задаче, поэтому задача упавшего
// воркера после истечения видимости тоже уходит в dead по исчерпании попыток.
func (q *RedisJobStore) Receive(ctx context.Context) (domain.DelayedJob, domain.JobAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.DelayedJob{}, nil, err
		}
		now := q.now()
		if err := q.reclaim(ctx, now); err != nil {
			if ctx.Err() != nil {
				return domain.DelayedJob{}, nil, ctx.Err()
			}
			return domain.DelayedJob{}, nil, fmt.Errorf("reclaim jobs: %w", err)
		}
		job, payload, err := q.claim(ctx, now)
		if errors.Is(err, errClaimRaced) {
			continue
		}
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return domain.DelayedJob{}, nil, ctx.Err()
			case <-time.After(q.pollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.DelayedJob{}, nil, ctx.Err()
			}
			return domain.DelayedJob{}, nil, fmt.Errorf("claim job: %w", err)
		}
		return job, q.ackFunc(job, payload), nil
	}
}

// claim забирает одну созревшую задачу в processing с увеличенным номером попытки.
// Пустая очередь возвращает redis.Nil.
func (q *RedisJobStore) claim(ctx context.Context, now time.Time) (domain.DelayedJob, string, error) {
	items, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{Min: "-inf", Max: scoreArg(now), Count: 1}).Result()
	if err != nil {
		return domain.DelayedJob{}, "", err
	}
	if len(items) == 0 {
		return domain.DelayedJob{}, "", redis.Nil
	}
	raw := items[0]
	var job domain.DelayedJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		_ = q.client.ZRem(ctx, q.delayedKey, raw).Err()
		return domain.DelayedJob{}, "", fmt.Errorf("decode job: %w", err)
	}
	job.Attempt++
	payload, err := json.Marshal(job)
	if err != nil {
		return domain.DelayedJob{}, "", fmt.Errorf("marshal job: %w", err)
	}
	moved, err := q.move(ctx, q.delayedKey, q.processKey, raw, string(payload), "z", scoreArg(now.Add(q.visibility)))
	if err != nil {
		return domain.DelayedJob{}, "", err
	}
	if !moved {
		return domain.DelayedJob{}, "", errClaimRaced
	}
	return job, string(payload), nil
}

// reclaim возвращает в очередь задачи с истёкшей видимостью, а исчерпавшие попытки переносит в dead.
func (q *RedisJobStore) reclaim(ctx context.Context, now time.Time) error {
	items, err := q.client.ZRangeByScore(ctx, q.processKey, &redis.ZRangeBy{Min: "-inf", Max: scoreArg(now)}).Result()
	if err != nil {
		return err
	}
	for _, raw := range items {
		var job domain.DelayedJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			_ = q.client.ZRem(ctx, q.processKey, raw).Err()
			continue
		}
		if q.policy.Exhausted(job.Attempt) {
			moved, err := q.move(ctx, q.processKey, q.deadKey, raw, raw, "h", job.ID)
			if err != nil {
				return err
			}
			if moved {
				metrics.JobsDeadLettered.Inc()
			}
			continue
		}
		if _, err := q.move(ctx, q.processKey, q.delayedKey, raw, raw, "z", scoreArg(now)); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisJobStore) move(ctx context.Context, from, to, raw, payload, mode, target string) (bool, error) {
	n, err := moveScript.Run(ctx, q.client, []string{from, to}, raw, payload, mode, target).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *RedisJobStore) ackFunc(job domain.DelayedJob, raw string) domain.JobAckFunc {
	return func(success bool) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if success {
			return q.client.ZRem(ctx, q.processKey, raw).Err()
		}
		// задачу, уже возвращённую reclaim, повторно не планируем
		var (
			moved bool
			err   error
		)
		exhausted := q.policy.Exhausted(job.Attempt)
		if exhausted {
			moved, err = q.move(ctx, q.processKey, q.deadKey, raw, raw, "h", job.ID)
		} else {
			runAt := q.now().Add(q.policy.Backoff(job.Attempt))
			moved, err = q.move(ctx, q.processKey, q.delayedKey, raw, raw, "z", scoreArg(runAt))
		}
		if err != nil {
			return fmt.Errorf("nack job: %w", err)
		}
		if exhausted && moved {
			metrics.JobsDeadLettered.Inc()
		}
		return nil
	}
}

// ListDead возвращает dead-задачи по возрастанию DueAt.
func (q *RedisJobStore) ListDead(ctx context.Context, limit int) ([]domain.DelayedJob, error) {
	values, err := q.client.HVals(ctx, q.deadKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	jobs := make([]domain.DelayedJob, 0, len(values))
	for _, raw := range values {
		var job domain.DelayedJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].DueAt.Before(jobs[j].DueAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// RequeueDead возвращает dead-задачу в очередь с обнулённым счётчиком попыток.
func (q *RedisJobStore) RequeueDead(ctx context.Context, jobID string) (bool, error) {
	raw, err := q.client.HGet(ctx, q.deadKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get dead job: %w", err)
	}
	var job domain.DelayedJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return false, fmt.Errorf("decode job: %w", err)
	}
	job.Attempt = 0
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.deadKey, jobID)
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: score(q.now()), Member: payload})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("requeue dead job: %w", err)
	}
	return true, nil
}
