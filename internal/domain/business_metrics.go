package domain

import (
	"context"
	"time"
)

// BusinessMetric описывает бизнесовое событие, которое сохраняется для последующего анализа.
type BusinessMetric struct {
	Event      string
	UserID     *int64
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventUserRegistered фиксирует первый контакт пользователя с ботом.
	BusinessMetricEventUserRegistered = "user_registered"
	// BusinessMetricEventIntentHandled фиксирует обработанную команду.
	BusinessMetricEventIntentHandled = "intent_handled"
	// BusinessMetricEventTransactionLogged фиксирует сохранение операции.
	BusinessMetricEventTransactionLogged = "transaction_logged"
	// BusinessMetricEventReminderScheduled фиксирует создание напоминания.
	BusinessMetricEventReminderScheduled = "reminder_scheduled"
	// BusinessMetricEventReminderDelivered фиксирует подтверждённую доставку напоминания.
	BusinessMetricEventReminderDelivered = "reminder_delivered"
)

// BusinessMetricRepo сохраняет бизнесовые события.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}
