package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"finance-bot/internal/app"
	"finance-bot/internal/infra/config"
	applog "finance-bot/internal/infra/log"
	"finance-bot/internal/infra/metrics"
	"finance-bot/internal/usecase/reminder"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	store, err := app.OpenRepository(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reminder-worker: нет подключения к БД")
	}
	defer store.Close()

	redisClient, err := app.OpenRedis(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reminder-worker: нет подключения к Redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	jobs, err := app.OpenJobStore(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("reminder-worker: не удалось инициализировать очередь задач")
	}
	if jobs.JobStore == nil {
		logger.Fatal().Err(app.ErrNoJobStore).Msg("reminder-worker: нечего обрабатывать, используйте scheduler")
	}
	defer jobs.Close()

	exec := app.NewExecutor(cfg, logger)
	channel, err := app.NewChannel(cfg, exec, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("reminder-worker: не удалось создать канал")
	}

	reminders := app.NewReminders(cfg, store, jobs.JobStore, channel, exec, logger)
	worker := reminder.NewWorker(jobs.JobStore, reminders.Deliverer, cfg.Jobs.Concurrency, cfg.Jobs.RatePerSecond, logger)

	logger.Info().
		Str("job_store", cfg.Jobs.Store).
		Int("concurrency", cfg.Jobs.Concurrency).
		Float64("rate_per_second", cfg.Jobs.RatePerSecond).
		Msg("reminder-worker: запуск обработки очереди")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("reminder-worker: остановлен с ошибкой")
		return
	}
	logger.Info().Msg("reminder-worker: остановлен")
}
