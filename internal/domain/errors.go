package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSecurity — неверная подпись или токен вебхука.
	ErrSecurity = errors.New("webhook authenticity check failed")
	// ErrRateLimited — превышен лимит запросов отправителя.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrValidation — некорректный payload или пользовательский ввод.
	ErrValidation = errors.New("validation failed")
	// ErrTransientProvider — сетевая ошибка или таймаут при обращении к провайдеру.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrPersistence — ошибка слоя данных.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrNoMessage — payload провайдера не содержит пользовательского сообщения (статусы доставки и т.п.).
	ErrNoMessage = errors.New("payload carries no user message")
	// ErrJobStoreClosed — хранилище задач больше не выдаёт задачи, воркер должен остановиться.
	ErrJobStoreClosed = errors.New("job store closed")
)

// RateLimitError содержит подсказку, через сколько повторить запрос.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// ValidationError описывает причину отказа в валидации.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError создаёт ошибку валидации.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ProviderError описывает неуспешный ответ внешнего канала.
type ProviderError struct {
	Provider   string
	Operation  string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Operation, e.StatusCode, e.Body)
}

// Retryable: 5xx и 429 считаются временными.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrTransientProvider && e.Retryable()
}

// PersistenceError оборачивает ошибку хранилища с именем операции.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence оборачивает ошибку репозитория. nil и ErrNotFound возвращаются как есть.
func Persistence(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
