// Package command выполняет распознанные намерения и формирует ответ пользователю.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/background"
	"finance-bot/internal/infra/metrics"
)

// Categorizer подбирает категорию по описанию операции.
type Categorizer interface {
	Categorize(ctx context.Context, userID int64, description string) (string, error)
	Learn(ctx context.Context, userID int64, description, category string) error
}

// AnomalyNotifier проверяет сохранённую операцию и предупреждает пользователя.
type AnomalyNotifier interface {
	Notify(ctx context.Context, phone string, tx domain.Transaction) error
}

// ReminderScheduler создаёт напоминание из текста сообщения.
type ReminderScheduler interface {
	Schedule(ctx context.Context, user domain.ChannelUser, text string) (domain.Reminder, error)
}

// Deps собирает зависимости роутера. Anomaly, Metrics и Runner необязательны.
type Deps struct {
	Transactions domain.TransactionRepo
	Tasks        domain.TaskRepo
	Events       domain.EventRepo
	Reminders    ReminderScheduler
	Categorizer  Categorizer
	Anomaly      AnomalyNotifier
	Metrics      domain.BusinessMetricRepo
	Runner       *background.Runner
}

type handler func(ctx context.Context, user domain.ChannelUser, intent domain.Intent, text string) (string, error)

// Router выбирает обработчик по тегу намерения.
type Router struct {
	deps     Deps
	handlers map[domain.IntentKind]handler
	log      zerolog.Logger
	loc      *time.Location
	now      func() time.Time
}

// NewRouter создаёт роутер. loc задаёт часовой пояс разбора дат и ответов.
func NewRouter(deps Deps, logger zerolog.Logger, loc *time.Location) *Router {
	if loc == nil {
		loc = time.UTC
	}
	r := &Router{
		deps: deps,
		log:  logger.With().Str("component", "command").Logger(),
		loc:  loc,
	}
	r.now = func() time.Time { return time.Now().In(r.loc) }
	r.handlers = map[domain.IntentKind]handler{
		domain.IntentLogExpense:     r.logTransaction(domain.TransactionExpense),
		domain.IntentLogIncome:      r.logTransaction(domain.TransactionIncome),
		domain.IntentReport:         r.report,
		domain.IntentTaskCreate:     r.createTask,
		domain.IntentTaskList:       r.listTasks,
		domain.IntentTaskComplete:   r.completeTask,
		domain.IntentAgendaSummary:  r.agendaSummary,
		domain.IntentAgendaCreate:   r.createEvent,
		domain.IntentReminderCreate: r.scheduleReminder,
		domain.IntentHelp:           r.help,
	}
	return r
}

// Dispatch выполняет намерение. Ошибки ввода превращаются в подсказку пользователю,
// ошибки хранилища возвращаются вызывающему.
func (r *Router) Dispatch(ctx context.Context, user domain.ChannelUser, intent domain.Intent, text string) (string, error) {
	h, ok := r.handlers[intent.Kind]
	if !ok {
		h = r.help
	}
	start := time.Now()
	reply, err := h(ctx, user, intent, text)
	if err != nil {
		var vErr *domain.ValidationError
		if errors.As(err, &vErr) {
			return guidance(vErr.Reason, intent.Kind), nil
		}
		r.log.Error().Err(err).
			Int64("user_id", user.ID).
			Str("intent", string(intent.Kind)).
			Dur("duration", time.Since(start)).
			Msg("command: ошибка обработки команды")
		return "", fmt.Errorf("%s: %w", intent.Kind, err)
	}
	metrics.IncIntent(string(intent.Kind))
	r.track(user.ID, domain.BusinessMetricEventIntentHandled, map[string]any{"intent": string(intent.Kind)})
	return reply, nil
}

// track сохраняет бизнесовую метрику в фоне.
func (r *Router) track(userID int64, event string, meta map[string]any) {
	if r.deps.Metrics == nil || r.deps.Runner == nil {
		return
	}
	uid := userID
	r.deps.Runner.Go("business_metric:"+event, func(ctx context.Context) error {
		return r.deps.Metrics.RecordBusinessMetric(ctx, domain.BusinessMetric{Event: event, UserID: &uid, Metadata: meta})
	})
}
