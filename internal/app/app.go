// Package app собирает общие зависимости процессов из конфигурации.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"finance-bot/internal/adapters/provider"
	"finance-bot/internal/adapters/repo"
	"finance-bot/internal/domain"
	"finance-bot/internal/infra/cache"
	"finance-bot/internal/infra/config"
	"finance-bot/internal/infra/db"
	"finance-bot/internal/infra/queue"
	"finance-bot/internal/infra/retry"
	"finance-bot/internal/usecase/reminder"
)

// ErrNoJobStore возвращается процессам, которым нужна очередь, при JOB_STORE=none.
var ErrNoJobStore = errors.New("хранилище задач отключено (JOB_STORE=none)")

// OpenRepository подключается к БД по DB_DRIVER и применяет схему.
func OpenRepository(ctx context.Context, cfg config.AppConfig) (repo.Repository, error) {
	var store repo.Repository
	switch cfg.DB.Driver {
	case "sqlite":
		conn, err := db.OpenSQLite(cfg.DB.SQLite)
		if err != nil {
			return nil, err
		}
		store = repo.NewSQLite(conn)
	default:
		if cfg.DB.DSN == "" {
			return nil, errors.New("не указан PG_DSN")
		}
		pool, err := db.Connect(cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			return nil, err
		}
		store = repo.NewPostgres(pool)
	}
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("миграция: %w", err)
	}
	return store, nil
}

// OpenRedis подключается к Redis. Пустой REDIS_ADDR возвращает nil без ошибки.
func OpenRedis(ctx context.Context, cfg config.AppConfig) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	return cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}

// NewRateLimiter выбирает Redis, если он настроен, иначе лимитер в памяти процесса.
func NewRateLimiter(cfg config.AppConfig, client *redis.Client) domain.RateLimiter {
	if client == nil {
		return cache.NewMemoryRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}
	return cache.NewRedisRateLimiter(client, cfg.RateLimit.Limit, cfg.RateLimit.Window, cfg.RateLimit.Prefix)
}

// NewExecutor строит Executor из группы RETRY_*.
func NewExecutor(cfg config.AppConfig, logger zerolog.Logger) *retry.Executor {
	return retry.New(retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Timeout:      cfg.Retry.Timeout,
	}, logger)
}

// NewChannel создаёт провайдера канала из CHANNEL_PROVIDER.
func NewChannel(cfg config.AppConfig, exec *retry.Executor, logger zerolog.Logger) (provider.Channel, error) {
	return provider.New(provider.Settings{
		Provider: cfg.Webhook.Provider,
		WhatsApp: provider.WhatsAppConfig{
			Token:   cfg.WhatsApp.Token,
			PhoneID: cfg.WhatsApp.PhoneID,
			APIBase: cfg.WhatsApp.APIBase,
		},
		TelegramToken: cfg.Telegram.Token,
		Evolution: provider.EvolutionConfig{
			BaseURL:  cfg.Evolution.BaseURL,
			APIKey:   cfg.Evolution.APIKey,
			Instance: cfg.Evolution.Instance,
		},
	}, logger, provider.WithExecutor(exec))
}

// JobPolicy возвращает политику повторов очереди.
func JobPolicy(cfg config.AppConfig) domain.JobRetryPolicy {
	return domain.JobRetryPolicy{MaxAttempts: cfg.Jobs.MaxAttempts, BaseDelay: cfg.Jobs.BaseBackoff}
}

// JobStore — очередь отложенных задач с функцией закрытия.
type JobStore struct {
	domain.JobStore
	close func() error
}

// Close освобождает соединения очереди.
func (s JobStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// DeadLetters возвращает доступ к мёртвым задачам, если хранилище его поддерживает.
func (s JobStore) DeadLetters() (domain.DeadLetterStore, bool) {
	dl, ok := s.JobStore.(domain.DeadLetterStore)
	return dl, ok
}

// OpenJobStore создаёт очередь по JOB_STORE. Для none возвращает пустой JobStore.
func OpenJobStore(cfg config.AppConfig, client *redis.Client) (JobStore, error) {
	switch cfg.Jobs.Store {
	case "redis":
		if client == nil {
			return JobStore{}, errors.New("JOB_STORE=redis требует REDIS_ADDR")
		}
		return JobStore{JobStore: queue.NewRedisJobStore(client, queue.RedisJobStoreOptions{
			Prefix:            cfg.Jobs.KeyPrefix,
			Policy:            JobPolicy(cfg),
			VisibilityTimeout: cfg.Jobs.VisibilityTimeout,
			PollInterval:      cfg.Jobs.PollInterval,
		})}, nil
	case "rabbitmq":
		if cfg.Jobs.RabbitURL == "" {
			return JobStore{}, errors.New("JOB_STORE=rabbitmq требует RABBITMQ_URL")
		}
		store, err := queue.NewRabbitJobStore(cfg.Jobs.RabbitURL, cfg.Jobs.RabbitQueue, JobPolicy(cfg), cfg.Jobs.Concurrency)
		if err != nil {
			return JobStore{}, err
		}
		return JobStore{JobStore: store, close: store.Close}, nil
	}
	return JobStore{}, nil
}

// Reminders собирает планировщик и доставщик напоминаний поверх общего хранилища.
type Reminders struct {
	Scheduler *reminder.Scheduler
	Deliverer *reminder.Deliverer
}

// NewReminders связывает планировщик и доставщик. jobs может быть nil: тогда
// доставку выполняет только поллер.
func NewReminders(cfg config.AppConfig, store repo.Repository, jobs domain.JobStore, channel domain.OutboundChannel, exec *retry.Executor, logger zerolog.Logger) Reminders {
	scheduler := reminder.NewScheduler(store, jobs, store, logger, cfg.Location())
	deliverer := reminder.NewDeliverer(reminder.DelivererDeps{
		Reminders: store,
		Users:     store,
		Messages:  store,
		Metrics:   store,
		Channel:   channel,
		Executor:  exec,
		Scheduler: scheduler,
		Policy:    JobPolicy(cfg),
	}, logger)
	return Reminders{Scheduler: scheduler, Deliverer: deliverer}
}
