package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	WebhookRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_requests_total",
		Help: "Входящие вебхуки по результату обработки",
	}, []string{"outcome"})

	RateLimitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Запросы, отклонённые лимитером",
	})

	IntentsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intents_handled_total",
		Help: "Обработанные намерения",
	}, []string{"intent"})

	ReminderDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reminder_deliveries_total",
		Help: "Попытки доставки напоминаний по пути и результату",
	}, []string{"path", "outcome"})

	RetryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_attempts_total",
		Help: "Повторные попытки внешних вызовов",
	}, []string{"operation"})

	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dead_lettered_total",
		Help: "Задачи, исчерпавшие попытки",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		WebhookRequests,
		RateLimitRejections,
		IntentsHandled,
		ReminderDeliveries,
		RetryAttempts,
		JobsDeadLettered,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncWebhook считает вебхук с указанным исходом (ok, duplicated, unauthorized, ...).
func IncWebhook(outcome string) {
	WebhookRequests.WithLabelValues(outcome).Inc()
}

// IncIntent считает обработанное намерение.
func IncIntent(intent string) {
	IntentsHandled.WithLabelValues(intent).Inc()
}

// IncDelivery считает доставку напоминания по пути worker или poller.
func IncDelivery(path, outcome string) {
	ReminderDeliveries.WithLabelValues(path, outcome).Inc()
}

// IncRetry считает повторную попытку операции.
func IncRetry(operation string) {
	RetryAttempts.WithLabelValues(operation).Inc()
}
