package domain

import "time"

// ChannelUser описывает пользователя, который пишет боту через мессенджер.
type ChannelUser struct {
	ID        int64
	Phone     string
	Name      string
	CreatedAt time.Time
}

// TransactionKind различает расходы и доходы.
type TransactionKind string

const (
	// TransactionExpense — расход.
	TransactionExpense TransactionKind = "expense"
	// TransactionIncome — доход.
	TransactionIncome TransactionKind = "income"
)

// Transaction описывает финансовую операцию пользователя.
type Transaction struct {
	ID          int64
	UserID      int64
	Kind        TransactionKind
	Amount      float64
	Category    string
	Description string
	OccurredAt  time.Time
	CreatedAt   time.Time
}

// Signed возвращает сумму со знаком: расходы отрицательные.
func (t Transaction) Signed() float64 {
	if t.Kind == TransactionExpense {
		return -t.Amount
	}
	return t.Amount
}

// CategoryStats содержит агрегат по категории за период.
type CategoryStats struct {
	Count   int
	Average float64
}

// Task описывает задачу пользователя.
type Task struct {
	ID          int64
	UserID      int64
	Title       string
	DueAt       *time.Time
	Done        bool
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Event описывает событие в агенде.
type Event struct {
	ID        int64
	UserID    int64
	Title     string
	StartsAt  time.Time
	CreatedAt time.Time
}

// ReminderStatus — состояние напоминания.
type ReminderStatus string

const (
	// ReminderPending — напоминание ещё не доставлено.
	ReminderPending ReminderStatus = "PENDING"
	// ReminderSent — доставка подтверждена.
	ReminderSent ReminderStatus = "SENT"
)

// Reminder описывает напоминание. Переход PENDING→SENT выполняется один раз.
// Attempts считает неудачные отправки, NextAttemptAt откладывает следующую попытку поллера.
type Reminder struct {
	ID            int64
	UserID        int64
	Text          string
	When          time.Time
	Status        ReminderStatus
	CreatedAt     time.Time
	SentAt        *time.Time
	Attempts      int
	NextAttemptAt *time.Time
}

// Direction — направление сообщения в журнале.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// MessageKind — тип содержимого сообщения.
type MessageKind string

const (
	KindText     MessageKind = "TEXT"
	KindImage    MessageKind = "IMAGE"
	KindAudio    MessageKind = "AUDIO"
	KindDocument MessageKind = "DOCUMENT"
)

// Valid сообщает, известен ли тип.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindDocument:
		return true
	}
	return false
}

// MessageLogEntry — неизменяемая запись журнала входящих и исходящих сообщений.
type MessageLogEntry struct {
	ID                int64
	UserID            *int64
	ProviderMessageID string
	Direction         Direction
	Kind              MessageKind
	Content           string
	Timestamp         time.Time
}

// InboundEvent — нормализованное входящее событие от провайдера канала.
// ProviderMessageID, если задан, уникален в рамках канала и служит ключом дедупликации.
type InboundEvent struct {
	ProviderMessageID string
	SenderAddress     string
	SenderName        string
	Kind              MessageKind
	Text              string
	MediaRef          string
	Mime              string
}

// Media содержит загруженный файл из канала.
type Media struct {
	Data []byte
	Mime string
}

// Period — полуинтервал [From, To).
type Period struct {
	From time.Time
	To   time.Time
}

// Contains проверяет попадание момента в период.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.From) && t.Before(p.To)
}
