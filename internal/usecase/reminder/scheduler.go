// Package reminder планирует напоминания и доставляет их через отложенную очередь
// или резервный опрос базы.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
	"finance-bot/internal/nlu"
)

var (
	// ErrNoDueTime — в тексте нет распознаваемого времени.
	ErrNoDueTime = domain.NewValidationError("não entendi quando devo lembrar")
	// ErrEmptyText — после удаления даты и триггера текст пуст.
	ErrEmptyText = domain.NewValidationError("não entendi do que devo lembrar")
)

// Scheduler сохраняет напоминания и ставит задачи доставки. Запись в базе
// авторитетна, постановка в очередь выполняется по возможности.
type Scheduler struct {
	reminders domain.ReminderRepo
	jobs      domain.JobStore
	metrics   domain.BusinessMetricRepo
	log       zerolog.Logger
	now       func() time.Time
}

// NewScheduler создаёт планировщик. jobs может быть nil: тогда доставку выполнит поллер.
func NewScheduler(reminders domain.ReminderRepo, jobs domain.JobStore, metrics domain.BusinessMetricRepo, logger zerolog.Logger, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		reminders: reminders,
		jobs:      jobs,
		metrics:   metrics,
		log:       logger.With().Str("component", "reminder_scheduler").Logger(),
		now:       func() time.Time { return time.Now().In(loc) },
	}
}

// Schedule разбирает время и текст из сообщения пользователя и создаёт напоминание.
func (s *Scheduler) Schedule(ctx context.Context, user domain.ChannelUser, text string) (domain.Reminder, error) {
	when, ok := nlu.ParseDateTime(text, s.now())
	if !ok {
		return domain.Reminder{}, ErrNoDueTime
	}
	body := nlu.ReminderText(text)
	if body == "" {
		return domain.Reminder{}, ErrEmptyText
	}
	return s.Create(ctx, user.ID, user.Phone, body, when)
}

// Create сохраняет PENDING-напоминание и ставит задачу на время when.
// Ошибка очереди только логируется.
func (s *Scheduler) Create(ctx context.Context, userID int64, phone, text string, when time.Time) (domain.Reminder, error) {
	reminder, err := s.reminders.CreateReminder(ctx, domain.Reminder{UserID: userID, Text: text, When: when})
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("сохранение напоминания: %w", err)
	}
	logger := s.log.With().Int64("reminder_id", reminder.ID).Int64("user_id", userID).Time("when", when).Logger()
	if s.jobs != nil {
		job := domain.DelayedJob{
			ReminderID: reminder.ID,
			UserID:     userID,
			Phone:      phone,
			Text:       text,
			DueAt:      when,
		}
		if err := s.jobs.Enqueue(ctx, job, when); err != nil {
			logger.Warn().Err(err).Msg("reminder: не удалось поставить задачу, доставит поллер")
		}
	}
	if s.metrics != nil {
		uid := userID
		if err := s.metrics.RecordBusinessMetric(ctx, domain.BusinessMetric{
			Event:    domain.BusinessMetricEventReminderScheduled,
			UserID:   &uid,
			Metadata: map[string]any{"reminder_id": reminder.ID},
		}); err != nil {
			logger.Warn().Err(err).Msg("reminder: не удалось сохранить метрику")
		}
	}
	logger.Info().Msg("reminder: напоминание запланировано")
	return reminder, nil
}
