package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"finance-bot/internal/app"
	"finance-bot/internal/domain"
	"finance-bot/internal/infra/cache"
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
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer store.Close()

	redisClient, err := app.OpenRedis(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к Redis")
	}
	var lock domain.Cache
	if redisClient != nil {
		defer redisClient.Close()
		lock = cache.NewRedis(redisClient)
	} else {
		logger.Warn().Msg("scheduler: REDIS_ADDR не задан, запускайте не больше одного экземпляра")
	}

	jobs, err := app.OpenJobStore(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь задач")
	}
	defer jobs.Close()

	exec := app.NewExecutor(cfg, logger)
	channel, err := app.NewChannel(cfg, exec, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось создать канал")
	}

	reminders := app.NewReminders(cfg, store, jobs.JobStore, channel, exec, logger)
	poller := reminder.NewPoller(store, reminders.Deliverer, lock, cfg.Poller.LockTTL, cfg.Poller.Batch, logger)

	logger.Info().Dur("interval", cfg.Poller.Interval).Int("batch", cfg.Poller.Batch).Msg("scheduler: старт")
	poller.Run(ctx, cfg.Poller.Interval)
	logger.Info().Msg("scheduler: остановлен")
}
