package domain

import (
	"context"
	"time"
)

// DelayedJob — задача доставки напоминания, которая должна выполниться не раньше DueAt.
// Attempt — номер текущей попытки доставки, начиная с 1; хранилище увеличивает его при выдаче.
type DelayedJob struct {
	ID         string    `json:"job_id"`
	ReminderID int64     `json:"reminder_id"`
	UserID     int64     `json:"user_id"`
	Phone      string    `json:"phone"`
	Text       string    `json:"text"`
	DueAt      time.Time `json:"due_at"`
	Attempt    int       `json:"attempt"`
}

// JobStore описывает хранилище отложенных задач с доставкой at-least-once.
type JobStore interface {
	Enqueue(ctx context.Context, job DelayedJob, runAt time.Time) error
	Receive(ctx context.Context) (DelayedJob, JobAckFunc, error)
}

// JobAckFunc подтверждает обработку задачи. При success=false хранилище само планирует
// повтор с экспоненциальной задержкой или переносит задачу в dead-очередь.
type JobAckFunc func(success bool) error

// DeadLetterStore даёт доступ к задачам, исчерпавшим попытки.
type DeadLetterStore interface {
	ListDead(ctx context.Context, limit int) ([]DelayedJob, error)
	RequeueDead(ctx context.Context, jobID string) (bool, error)
}

// JobRetryPolicy задаёт число попыток и базу экспоненциальной задержки.
type JobRetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultJobRetryPolicy — 3 попытки, база 5 секунд.
var DefaultJobRetryPolicy = JobRetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second}

// Backoff возвращает задержку перед попыткой attempt+1 после неудачной попытки attempt.
func (p JobRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(1<<(attempt-1))
}

// Exhausted сообщает, что после неудачной попытки attempt повторов больше не будет.
func (p JobRetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
