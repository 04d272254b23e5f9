package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/metrics"
	"finance-bot/internal/infra/retry"
)

// Пути доставки для метрик и логов.
const (
	PathWorker = "worker"
	PathPoller = "poller"
)

// Outcome — итог попытки доставки.
type Outcome string

const (
	// OutcomeSent — сообщение отправлено и этот вызов перевёл напоминание в SENT.
	OutcomeSent Outcome = "sent"
	// OutcomeAlreadySent — напоминание уже было SENT до отправки.
	OutcomeAlreadySent Outcome = "already_sent"
	// OutcomeRaced — сообщение отправлено, но SENT выставил другой путь доставки.
	OutcomeRaced Outcome = "raced"
	// OutcomeMissing — напоминания нет в базе.
	OutcomeMissing Outcome = "missing"
)

// Deliverer выполняет одну доставку. Общий для воркера и поллера: оба сначала
// проверяют статус, а переход в SENT выполняется условным UPDATE.
type Deliverer struct {
	reminders domain.ReminderRepo
	users     domain.UserRepo
	messages  domain.MessageLogRepo
	metrics   domain.BusinessMetricRepo
	channel   domain.OutboundChannel
	exec      *retry.Executor
	scheduler *Scheduler
	policy    domain.JobRetryPolicy
	log       zerolog.Logger
	now       func() time.Time
}

// DelivererDeps собирает зависимости Deliverer.
type DelivererDeps struct {
	Reminders domain.ReminderRepo
	Users     domain.UserRepo
	Messages  domain.MessageLogRepo
	Metrics   domain.BusinessMetricRepo
	Channel   domain.OutboundChannel
	Executor  *retry.Executor
	Scheduler *Scheduler
	// Policy ограничивает повторные отправки напоминания поллером.
	Policy domain.JobRetryPolicy
}

// NewDeliverer создаёт Deliverer.
func NewDeliverer(deps DelivererDeps, logger zerolog.Logger) *Deliverer {
	if deps.Policy.MaxAttempts <= 0 {
		deps.Policy = domain.DefaultJobRetryPolicy
	}
	return &Deliverer{
		reminders: deps.Reminders,
		users:     deps.Users,
		messages:  deps.Messages,
		metrics:   deps.Metrics,
		channel:   deps.Channel,
		exec:      deps.Executor,
		scheduler: deps.Scheduler,
		policy:    deps.Policy,
		log:       logger.With().Str("component", "reminder_deliverer").Logger(),
		now:       time.Now,
	}
}

// FormatReminder возвращает текст сообщения пользователю.
func FormatReminder(text string) string {
	return "⏰ Lembrete: " + text
}

// Deliver отправляет напоминание reminderID на адрес phone. Пустой phone ищется по пользователю.
// Ошибка означает, что напоминание осталось PENDING и доставку нужно повторить.
func (d *Deliverer) Deliver(ctx context.Context, reminderID int64, phone, path string) (Outcome, error) {
	start := time.Now()
	logger := d.log.With().Int64("reminder_id", reminderID).Str("path", path).Logger()

	reminder, err := d.reminders.GetReminder(ctx, reminderID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Msg("reminder: напоминание не найдено, пропускаем")
		metrics.IncDelivery(path, string(OutcomeMissing))
		return OutcomeMissing, nil
	}
	if err != nil {
		metrics.IncDelivery(path, "error")
		return "", fmt.Errorf("получение напоминания: %w", err)
	}
	if reminder.Status == domain.ReminderSent {
		metrics.IncDelivery(path, string(OutcomeAlreadySent))
		return OutcomeAlreadySent, nil
	}
	if phone == "" {
		user, err := d.users.GetUserByID(ctx, reminder.UserID)
		if err != nil {
			metrics.IncDelivery(path, "error")
			return "", fmt.Errorf("получение пользователя: %w", err)
		}
		phone = user.Phone
	}

	message := FormatReminder(reminder.Text)
	err = d.exec.Do(ctx, "send_reminder", func(ctx context.Context) error {
		return d.channel.SendText(ctx, phone, message)
	})
	if err != nil {
		metrics.IncDelivery(path, "failed")
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("reminder: отправка не удалась")
		d.recordFailure(ctx, reminder, logger)
		return "", fmt.Errorf("отправка напоминания: %w", err)
	}

	now := d.now()
	won, err := d.reminders.MarkReminderSent(ctx, reminder.ID, now)
	if err != nil {
		metrics.IncDelivery(path, "error")
		return "", fmt.Errorf("отметка доставки: %w", err)
	}
	d.appendOutbound(ctx, reminder.UserID, message, logger)
	if !won {
		metrics.IncDelivery(path, string(OutcomeRaced))
		logger.Info().Msg("reminder: напоминание уже отмечено другим путём доставки")
		return OutcomeRaced, nil
	}

	metrics.IncDelivery(path, string(OutcomeSent))
	d.recordDelivered(ctx, reminder, path, logger)
	if next, ok := NextOccurrence(reminder.Text, reminder.When, now); ok && d.scheduler != nil {
		created, err := d.scheduler.Create(ctx, reminder.UserID, phone, reminder.Text, next)
		if err != nil {
			logger.Error().Err(err).Time("next", next).Msg("reminder: не удалось создать следующее повторение")
		} else {
			logger.Info().Int64("next_reminder_id", created.ID).Time("next", next).Msg("reminder: создано следующее повторение")
		}
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("reminder: напоминание доставлено")
	return OutcomeSent, nil
}

// recordFailure откладывает следующую попытку с экспоненциальной задержкой. После
// MaxAttempts неудач поллер перестаёт выбирать напоминание, оно остаётся PENDING.
func (d *Deliverer) recordFailure(ctx context.Context, reminder domain.Reminder, logger zerolog.Logger) {
	attempt := reminder.Attempts + 1
	next := d.now().Add(d.policy.Backoff(attempt))
	if err := d.reminders.RecordReminderFailure(ctx, reminder.ID, next); err != nil {
		logger.Warn().Err(err).Msg("reminder: не удалось сохранить неудачную попытку")
		return
	}
	if d.policy.Exhausted(attempt) {
		logger.Error().Int("attempts", attempt).Msg("reminder: попытки исчерпаны, напоминание оставлено для ручной обработки")
	}
}

// MaxAttempts возвращает лимит неудачных отправок для выборки поллера.
func (d *Deliverer) MaxAttempts() int { return d.policy.MaxAttempts }

func (d *Deliverer) appendOutbound(ctx context.Context, userID int64, message string, logger zerolog.Logger) {
	if d.messages == nil {
		return
	}
	uid := userID
	if _, err := d.messages.AppendMessage(ctx, domain.MessageLogEntry{
		UserID:    &uid,
		Direction: domain.DirectionOut,
		Kind:      domain.KindText,
		Content:   message,
		Timestamp: d.now(),
	}); err != nil {
		logger.Warn().Err(err).Msg("reminder: не удалось записать исходящее сообщение")
	}
}

func (d *Deliverer) recordDelivered(ctx context.Context, reminder domain.Reminder, path string, logger zerolog.Logger) {
	if d.metrics == nil {
		return
	}
	uid := reminder.UserID
	if err := d.metrics.RecordBusinessMetric(ctx, domain.BusinessMetric{
		Event:    domain.BusinessMetricEventReminderDelivered,
		UserID:   &uid,
		Metadata: map[string]any{"reminder_id": reminder.ID, "path": path, "delay_ms": d.now().Sub(reminder.When).Milliseconds()},
	}); err != nil {
		logger.Warn().Err(err).Msg("reminder: не удалось сохранить метрику")
	}
}
