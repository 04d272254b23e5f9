package main

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"finance-bot/internal/adapters/webhook"
	"finance-bot/internal/app"
	"finance-bot/internal/infra/background"
	"finance-bot/internal/infra/config"
	httpx "finance-bot/internal/infra/http"
	applog "finance-bot/internal/infra/log"
	"finance-bot/internal/infra/metrics"
	"finance-bot/internal/usecase/anomaly"
	"finance-bot/internal/usecase/categorize"
	"finance-bot/internal/usecase/command"
	"finance-bot/internal/usecase/ingress"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenRepository(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer store.Close()

	redisClient, err := app.OpenRedis(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к Redis")
	}
	if redisClient == nil {
		logger.Warn().Msg("api: REDIS_ADDR не задан, лимит запросов считается в памяти процесса")
	} else {
		defer redisClient.Close()
	}

	jobs, err := app.OpenJobStore(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь задач")
	}
	defer jobs.Close()

	exec := app.NewExecutor(cfg, logger)
	channel, err := app.NewChannel(cfg, exec, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось создать канал")
	}

	rules, err := categorize.LoadRules(cfg.Categories.RulesFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.Categories.RulesFile).Msg("api: не удалось загрузить правила категорий")
	}

	runner := background.NewRunner(logger, cfg.Retry.Timeout*time.Duration(cfg.Retry.MaxAttempts+1))
	reminders := app.NewReminders(cfg, store, jobs.JobStore, channel, exec, logger)
	anomalies := anomaly.NewService(store, channel, anomaly.Policy{
		SpikeMultiplier: cfg.Anomaly.SpikeMultiplier,
		DuplicateWindow: cfg.Anomaly.DuplicateWindow,
		MinHistory:      cfg.Anomaly.MinHistory,
		Lookback:        cfg.Anomaly.Lookback,
	}, logger)

	router := command.NewRouter(command.Deps{
		Transactions: store,
		Tasks:        store,
		Events:       store,
		Reminders:    reminders.Scheduler,
		Categorizer:  categorize.New(rules, store, cfg.Categories.Default),
		Anomaly:      anomalies,
		Metrics:      store,
		Runner:       runner,
	}, logger, cfg.Location())

	gateway := ingress.NewService(ingress.Deps{
		Verifier: ingress.Verifier{Token: cfg.Webhook.Token, Secret: cfg.Webhook.Secret},
		Parser:   channel,
		Limiter:  app.NewRateLimiter(cfg, redisClient),
		Users:    store,
		Messages: store,
		Router:   router,
		Channel:  channel,
		Runner:   runner,
	}, logger)

	srv := httpx.NewServer(logger)
	webhook.NewHandler(gateway, webhook.Config{
		Provider:        cfg.Webhook.Provider,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		VerifyToken:     cfg.Webhook.VerifyToken,
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
	}, logger).Register(srv.Router)

	go func() {
		logger.Info().Str("provider", cfg.Webhook.Provider).Str("job_store", cfg.Jobs.Store).Msg("api: старт")
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен")
			stop()
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: ошибка остановки сервера")
	}
	runner.Wait()
}
