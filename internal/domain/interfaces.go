package domain

import (
	"context"
	"time"
)

// UserRepo управляет пользователями канала.
type UserRepo interface {
	// GetOrCreateByPhone находит пользователя по нормализованному адресу или создаёт его.
	// created=true, если запись была создана этим вызовом.
	GetOrCreateByPhone(ctx context.Context, phone, name string) (user ChannelUser, created bool, err error)
	GetUserByID(ctx context.Context, id int64) (ChannelUser, error)
}

// MessageLogRepo ведёт журнал сообщений. Записи только добавляются.
type MessageLogRepo interface {
	// AppendMessage атомарно добавляет запись. Если ProviderMessageID уже есть в журнале,
	// запись не создаётся и возвращается false.
	AppendMessage(ctx context.Context, entry MessageLogEntry) (bool, error)
}

// TransactionRepo хранит финансовые операции.
type TransactionRepo interface {
	CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, userID int64, period Period) ([]Transaction, error)
	CategoryStats(ctx context.Context, query CategoryStatsQuery) (CategoryStats, error)
}

// CategoryStatsQuery выбирает операции пользователя одного вида и категории начиная с Since.
// ExcludeID исключает операцию из выборки (0 не исключает).
type CategoryStatsQuery struct {
	UserID    int64
	Kind      TransactionKind
	Category  string
	Since     time.Time
	ExcludeID int64
}

// CategoryCorrectionRepo хранит категории, которые пользователь назначал описаниям вручную.
type CategoryCorrectionRepo interface {
	FindCategoryCorrection(ctx context.Context, userID int64, description string) (string, bool, error)
	SaveCategoryCorrection(ctx context.Context, userID int64, description, category string) error
}

// TaskRepo хранит задачи.
type TaskRepo interface {
	CreateTask(ctx context.Context, task Task) (Task, error)
	// ListOpenTasks возвращает открытые задачи по сроку (задачи без срока в конце), затем по порядку создания.
	ListOpenTasks(ctx context.Context, userID int64) ([]Task, error)
	CompleteTask(ctx context.Context, userID, taskID int64, at time.Time) error
}

// EventRepo хранит события агенды.
type EventRepo interface {
	CreateEvent(ctx context.Context, event Event) (Event, error)
	ListEvents(ctx context.Context, userID int64, period Period) ([]Event, error)
}

// DueRemindersQuery выбирает PENDING-напоминания со сроком не позже Now, у которых
// отложенная попытка уже наступила и неудачных отправок меньше MaxAttempts (0 без ограничения).
type DueRemindersQuery struct {
	Now         time.Time
	Limit       int
	MaxAttempts int
}

// ReminderRepo хранит напоминания.
type ReminderRepo interface {
	CreateReminder(ctx context.Context, reminder Reminder) (Reminder, error)
	GetReminder(ctx context.Context, id int64) (Reminder, error)
	// MarkReminderSent переводит PENDING→SENT. Возвращает false, если статус уже был SENT.
	MarkReminderSent(ctx context.Context, id int64, at time.Time) (bool, error)
	// RecordReminderFailure увеличивает счётчик неудачных отправок и откладывает
	// следующую попытку до next. SENT-напоминания не меняются.
	RecordReminderFailure(ctx context.Context, id int64, next time.Time) error
	ListDueReminders(ctx context.Context, q DueRemindersQuery) ([]Reminder, error)
}

// OutboundChannel — исходящий транспорт мессенджера.
type OutboundChannel interface {
	SendText(ctx context.Context, address, text string) error
	GetMedia(ctx context.Context, ref string) (Media, error)
}

// InboundParser переводит payload конкретного провайдера в InboundEvent.
type InboundParser interface {
	Name() string
	ParseInbound(raw []byte) (InboundEvent, error)
}

// RateLimiter считает запросы в скользящем окне.
type RateLimiter interface {
	// Allow атомарно регистрирует запрос. При превышении лимита возвращает *RateLimitError.
	Allow(ctx context.Context, identifier string) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
