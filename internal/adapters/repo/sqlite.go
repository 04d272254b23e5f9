package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/metrics"
)

// SQLite реализует репозитории поверх database/sql и modernc.org/sqlite.
// Время хранится в миллисекундах Unix.
type SQLite struct {
	db *sql.DB
}

var _ Repository = (*SQLite)(nil)

// NewSQLite создаёт адаптер. Схему создаёт Migrate.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

const sqliteSchema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	phone TEXT NOT NULL UNIQUE,
	name TEXT,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS message_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER,
	provider_message_id TEXT,
	direction TEXT NOT NULL,
	kind TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_message_log_provider_id
	ON message_log(provider_message_id) WHERE provider_message_id IS NOT NULL;
CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	amount REAL NOT NULL,
	category TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	occurred_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_occurred ON transactions(user_id, occurred_at);
CREATE TABLE IF NOT EXISTS category_corrections (
	user_id INTEGER NOT NULL,
	description TEXT NOT NULL,
	category TEXT NOT NULL,
	PRIMARY KEY (user_id, description)
);
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	due_at INTEGER,
	done INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	starts_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS reminders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	text TEXT NOT NULL,
	remind_at INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at INTEGER NOT NULL,
	sent_at INTEGER,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_reminders_pending ON reminders(status, remind_at);
CREATE TABLE IF NOT EXISTS business_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event TEXT NOT NULL,
	user_id INTEGER,
	metadata TEXT,
	occurred_at INTEGER NOT NULL
);
`

// sqliteColumns добавляет колонки в базы, созданные до их появления в схеме.
var sqliteColumns = []string{
	`ALTER TABLE reminders ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE reminders ADD COLUMN next_attempt_at INTEGER`,
}

// Migrate создаёт таблицы, если их ещё нет.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return domain.Persistence("migrate", err)
	}
	for _, stmt := range sqliteColumns {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			return domain.Persistence("migrate", err)
		}
	}
	return nil
}

// Close закрывает базу.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func sqliteErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return domain.Persistence(op, err)
}

func (s *SQLite) observe(op, table string, start time.Time, err error) {
	metrics.ObserveNetworkRequest("sqlite", op, table, start, err)
}

// RecordBusinessMetric сохраняет бизнесовую метрику.
func (s *SQLite) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}
	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now()
	}
	var payload sql.NullString
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = sql.NullString{String: string(data), Valid: true}
		}
	}
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO business_metrics (event, user_id, metadata, occurred_at) VALUES (?, ?, ?, ?)`,
		metric.Event, metric.UserID, payload, millis(metric.OccurredAt))
	s.observe("business_metrics_insert", "business_metrics", start, err)
	return sqliteErr("business_metrics_insert", err)
}

// GetOrCreateByPhone реализует domain.UserRepo.
func (s *SQLite) GetOrCreateByPhone(ctx context.Context, phone, name string) (domain.ChannelUser, bool, error) {
	name = strings.TrimSpace(name)
	var nameArg sql.NullString
	if name != "" {
		nameArg = sql.NullString{String: name, Valid: true}
	}
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (phone, name, created_at) VALUES (?, ?, ?) ON CONFLICT(phone) DO NOTHING`,
		phone, nameArg, millis(time.Now()))
	s.observe("users_upsert", "users", start, err)
	if err != nil {
		return domain.ChannelUser{}, false, sqliteErr("users_upsert", err)
	}
	affected, _ := res.RowsAffected()
	created := affected == 1

	var (
		user      domain.ChannelUser
		nameSQL   sql.NullString
		createdMS int64
	)
	err = s.db.QueryRowContext(ctx, `SELECT id, phone, name, created_at FROM users WHERE phone=?`, phone).
		Scan(&user.ID, &user.Phone, &nameSQL, &createdMS)
	if err != nil {
		return domain.ChannelUser{}, false, sqliteErr("users_get", err)
	}
	user.Name = nameSQL.String
	user.CreatedAt = fromMillis(createdMS)
	if created {
		userID := user.ID
		_ = s.RecordBusinessMetric(ctx, domain.BusinessMetric{
			Event:    domain.BusinessMetricEventUserRegistered,
			UserID:   &userID,
			Metadata: map[string]any{"phone": user.Phone},
		})
	}
	return user, created, nil
}

// GetUserByID возвращает пользователя.
func (s *SQLite) GetUserByID(ctx context.Context, id int64) (domain.ChannelUser, error) {
	var (
		user      domain.ChannelUser
		nameSQL   sql.NullString
		createdMS int64
	)
	start := time.Now()
	err := s.db.QueryRowContext(ctx, `SELECT id, phone, name, created_at FROM users WHERE id=?`, id).
		Scan(&user.ID, &user.Phone, &nameSQL, &createdMS)
	s.observe("users_get", "users", start, err)
	if err != nil {
		return domain.ChannelUser{}, sqliteErr("users_get", err)
	}
	user.Name = nameSQL.String
	user.CreatedAt = fromMillis(createdMS)
	return user, nil
}

// AppendMessage добавляет запись в журнал; повторный provider_message_id игнорируется.
func (s *SQLite) AppendMessage(ctx context.Context, entry domain.MessageLogEntry) (bool, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	var providerID sql.NullString
	if entry.ProviderMessageID != "" {
		providerID = sql.NullString{String: entry.ProviderMessageID, Valid: true}
	}
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO message_log (user_id, provider_message_id, direction, kind, content, created_at)
VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		entry.UserID, providerID, string(entry.Direction), string(entry.Kind), entry.Content, millis(entry.Timestamp))
	s.observe("message_log_insert", "message_log", start, err)
	if err != nil {
		return false, sqliteErr("message_log_insert", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, sqliteErr("message_log_insert", err)
	}
	return affected == 1, nil
}

// CreateTransaction сохраняет операцию.
func (s *SQLite) CreateTransaction(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	tx.CreatedAt = time.Now().UTC()
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO transactions (user_id, kind, amount, category, description, occurred_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.UserID, string(tx.Kind), tx.Amount, tx.Category, tx.Description, millis(tx.OccurredAt), millis(tx.CreatedAt))
	s.observe("transactions_insert", "transactions", start, err)
	if err != nil {
		return domain.Transaction{}, sqliteErr("transactions_insert", err)
	}
	if tx.ID, err = res.LastInsertId(); err != nil {
		return domain.Transaction{}, sqliteErr("transactions_insert", err)
	}
	return tx, nil
}

// ListTransactions возвращает операции за период.
func (s *SQLite) ListTransactions(ctx context.Context, userID int64, period domain.Period) ([]domain.Transaction, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, kind, amount, category, description, occurred_at, created_at
FROM transactions
WHERE user_id=? AND occurred_at >= ? AND occurred_at < ?
ORDER BY occurred_at, id`, userID, millis(period.From), millis(period.To))
	s.observe("transactions_list", "transactions", start, err)
	if err != nil {
		return nil, sqliteErr("transactions_list", err)
	}
	defer rows.Close()

	var res []domain.Transaction
	for rows.Next() {
		var (
			tx                    domain.Transaction
			kind                  string
			occurredMS, createdMS int64
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &kind, &tx.Amount, &tx.Category, &tx.Description, &occurredMS, &createdMS); err != nil {
			return nil, sqliteErr("transactions_list", err)
		}
		tx.Kind = domain.TransactionKind(kind)
		tx.OccurredAt = fromMillis(occurredMS)
		tx.CreatedAt = fromMillis(createdMS)
		res = append(res, tx)
	}
	return res, sqliteErr("transactions_list", rows.Err())
}

// CategoryStats считает количество и среднее по категории.
func (s *SQLite) CategoryStats(ctx context.Context, q domain.CategoryStatsQuery) (domain.CategoryStats, error) {
	var stats domain.CategoryStats
	start := time.Now()
	err := s.db.QueryRowContext(ctx, `
SELECT count(*), COALESCE(avg(amount), 0)
FROM transactions
WHERE user_id=? AND kind=? AND category=? AND occurred_at >= ? AND id <> ?`,
		q.UserID, string(q.Kind), q.Category, millis(q.Since), q.ExcludeID).Scan(&stats.Count, &stats.Average)
	s.observe("transactions_stats", "transactions", start, err)
	if err != nil {
		return domain.CategoryStats{}, sqliteErr("transactions_stats", err)
	}
	return stats, nil
}

// FindCategoryCorrection ищет исправленную пользователем категорию.
func (s *SQLite) FindCategoryCorrection(ctx context.Context, userID int64, description string) (string, bool, error) {
	var category string
	err := s.db.QueryRowContext(ctx, `SELECT category FROM category_corrections WHERE user_id=? AND description=lower(?)`,
		userID, strings.TrimSpace(description)).Scan(&category)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, sqliteErr("category_corrections_get", err)
	}
	return category, true, nil
}

// SaveCategoryCorrection запоминает категорию описания, последняя запись побеждает.
func (s *SQLite) SaveCategoryCorrection(ctx context.Context, userID int64, description, category string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO category_corrections (user_id, description, category) VALUES (?, lower(?), ?)
ON CONFLICT (user_id, description) DO UPDATE SET category=excluded.category`,
		userID, strings.TrimSpace(description), category)
	s.observe("category_corrections_upsert", "category_corrections", start, err)
	return sqliteErr("category_corrections_upsert", err)
}

// CreateTask сохраняет задачу.
func (s *SQLite) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	task.CreatedAt = time.Now().UTC()
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO tasks (user_id, title, due_at, created_at) VALUES (?, ?, ?, ?)`,
		task.UserID, task.Title, nullMillis(task.DueAt), millis(task.CreatedAt))
	s.observe("tasks_insert", "tasks", start, err)
	if err != nil {
		return domain.Task{}, sqliteErr("tasks_insert", err)
	}
	if task.ID, err = res.LastInsertId(); err != nil {
		return domain.Task{}, sqliteErr("tasks_insert", err)
	}
	return task, nil
}

// ListOpenTasks реализует domain.TaskRepo.
func (s *SQLite) ListOpenTasks(ctx context.Context, userID int64) ([]domain.Task, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, title, due_at, done, created_at, completed_at
FROM tasks
WHERE user_id=? AND done=0
ORDER BY due_at IS NULL, due_at, created_at, id`, userID)
	s.observe("tasks_list_open", "tasks", start, err)
	if err != nil {
		return nil, sqliteErr("tasks_list_open", err)
	}
	defer rows.Close()

	var res []domain.Task
	for rows.Next() {
		var (
			task           domain.Task
			due, completed sql.NullInt64
			createdMS      int64
		)
		if err := rows.Scan(&task.ID, &task.UserID, &task.Title, &due, &task.Done, &createdMS, &completed); err != nil {
			return nil, sqliteErr("tasks_list_open", err)
		}
		task.DueAt = timePtr(due)
		task.CompletedAt = timePtr(completed)
		task.CreatedAt = fromMillis(createdMS)
		res = append(res, task)
	}
	return res, sqliteErr("tasks_list_open", rows.Err())
}

// CompleteTask закрывает открытую задачу пользователя.
func (s *SQLite) CompleteTask(ctx context.Context, userID, taskID int64, at time.Time) error {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET done=1, completed_at=? WHERE id=? AND user_id=? AND done=0`,
		millis(at), taskID, userID)
	s.observe("tasks_complete", "tasks", start, err)
	if err != nil {
		return sqliteErr("tasks_complete", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CreateEvent сохраняет событие.
func (s *SQLite) CreateEvent(ctx context.Context, event domain.Event) (domain.Event, error) {
	event.CreatedAt = time.Now().UTC()
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO events (user_id, title, starts_at, created_at) VALUES (?, ?, ?, ?)`,
		event.UserID, event.Title, millis(event.StartsAt), millis(event.CreatedAt))
	s.observe("events_insert", "events", start, err)
	if err != nil {
		return domain.Event{}, sqliteErr("events_insert", err)
	}
	if event.ID, err = res.LastInsertId(); err != nil {
		return domain.Event{}, sqliteErr("events_insert", err)
	}
	return event, nil
}

// ListEvents возвращает события периода.
func (s *SQLite) ListEvents(ctx context.Context, userID int64, period domain.Period) ([]domain.Event, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, title, starts_at, created_at
FROM events
WHERE user_id=? AND starts_at >= ? AND starts_at < ?
ORDER BY starts_at, id`, userID, millis(period.From), millis(period.To))
	s.observe("events_list", "events", start, err)
	if err != nil {
		return nil, sqliteErr("events_list", err)
	}
	defer rows.Close()

	var res []domain.Event
	for rows.Next() {
		var (
			event               domain.Event
			startsMS, createdMS int64
		)
		if err := rows.Scan(&event.ID, &event.UserID, &event.Title, &startsMS, &createdMS); err != nil {
			return nil, sqliteErr("events_list", err)
		}
		event.StartsAt = fromMillis(startsMS)
		event.CreatedAt = fromMillis(createdMS)
		res = append(res, event)
	}
	return res, sqliteErr("events_list", rows.Err())
}

// CreateReminder сохраняет напоминание в статусе PENDING.
func (s *SQLite) CreateReminder(ctx context.Context, reminder domain.Reminder) (domain.Reminder, error) {
	reminder.Status = domain.ReminderPending
	reminder.CreatedAt = time.Now().UTC()
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO reminders (user_id, text, remind_at, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		reminder.UserID, reminder.Text, millis(reminder.When), string(reminder.Status), millis(reminder.CreatedAt))
	s.observe("reminders_insert", "reminders", start, err)
	if err != nil {
		return domain.Reminder{}, sqliteErr("reminders_insert", err)
	}
	if reminder.ID, err = res.LastInsertId(); err != nil {
		return domain.Reminder{}, sqliteErr("reminders_insert", err)
	}
	return reminder, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteReminder(row rowScanner) (domain.Reminder, error) {
	var (
		reminder          domain.Reminder
		status            string
		whenMS, createdMS int64
		sent, nextAttempt sql.NullInt64
	)
	if err := row.Scan(&reminder.ID, &reminder.UserID, &reminder.Text, &whenMS, &status, &createdMS, &sent,
		&reminder.Attempts, &nextAttempt); err != nil {
		return domain.Reminder{}, err
	}
	reminder.NextAttemptAt = timePtr(nextAttempt)
	reminder.When = fromMillis(whenMS)
	reminder.Status = domain.ReminderStatus(status)
	reminder.CreatedAt = fromMillis(createdMS)
	reminder.SentAt = timePtr(sent)
	return reminder, nil
}

// GetReminder возвращает напоминание по id.
func (s *SQLite) GetReminder(ctx context.Context, id int64) (domain.Reminder, error) {
	start := time.Now()
	reminder, err := scanSQLiteReminder(s.db.QueryRowContext(ctx, `
SELECT id, user_id, text, remind_at, status, created_at, sent_at, attempts, next_attempt_at FROM reminders WHERE id=?`, id))
	s.observe("reminders_get", "reminders", start, err)
	if err != nil {
		return domain.Reminder{}, sqliteErr("reminders_get", err)
	}
	return reminder, nil
}

// MarkReminderSent условно переводит PENDING→SENT.
func (s *SQLite) MarkReminderSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE reminders SET status='SENT', sent_at=? WHERE id=? AND status='PENDING'`, millis(at), id)
	s.observe("reminders_mark_sent", "reminders", start, err)
	if err != nil {
		return false, sqliteErr("reminders_mark_sent", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, sqliteErr("reminders_mark_sent", err)
	}
	return affected == 1, nil
}

// RecordReminderFailure учитывает неудачную отправку и откладывает следующую попытку.
func (s *SQLite) RecordReminderFailure(ctx context.Context, id int64, next time.Time) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
UPDATE reminders SET attempts = attempts + 1, next_attempt_at = ? WHERE id=? AND status='PENDING'`, millis(next), id)
	s.observe("reminders_record_failure", "reminders", start, err)
	return sqliteErr("reminders_record_failure", err)
}

// ListDueReminders возвращает просроченные PENDING напоминания, которые можно отправлять сейчас.
func (s *SQLite) ListDueReminders(ctx context.Context, q domain.DueRemindersQuery) ([]domain.Reminder, error) {
	now := millis(q.Now)
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, text, remind_at, status, created_at, sent_at, attempts, next_attempt_at
FROM reminders
WHERE status='PENDING' AND remind_at <= ?
  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
  AND (? <= 0 OR attempts < ?)
ORDER BY remind_at, id
LIMIT ?`, now, now, q.MaxAttempts, q.MaxAttempts, q.Limit)
	s.observe("reminders_list_due", "reminders", start, err)
	if err != nil {
		return nil, sqliteErr("reminders_list_due", err)
	}
	defer rows.Close()

	var res []domain.Reminder
	for rows.Next() {
		reminder, err := scanSQLiteReminder(rows)
		if err != nil {
			return nil, sqliteErr("reminders_list_due", err)
		}
		res = append(res, reminder)
	}
	return res, sqliteErr("reminders_list_due", rows.Err())
}
