// Package repo содержит реализации репозиториев на Postgres и SQLite.
package repo

import (
	"context"

	"finance-bot/internal/domain"
)

// Repository объединяет все репозитории, которые нужны сервисам.
type Repository interface {
	domain.UserRepo
	domain.MessageLogRepo
	domain.TransactionRepo
	domain.CategoryCorrectionRepo
	domain.TaskRepo
	domain.EventRepo
	domain.ReminderRepo
	domain.BusinessMetricRepo
	Migrate(ctx context.Context) error
	Close() error
}
