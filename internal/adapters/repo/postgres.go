package repo

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/metrics"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Postgres)(nil)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate создаёт таблицы, если их ещё нет.
func (p *Postgres) Migrate(ctx context.Context) error {
	start := time.Now()
	_, err := p.pool.Exec(ctx, postgresSchema)
	metrics.ObserveNetworkRequest("postgres", "migrate", "schema", start, err)
	return domain.Persistence("migrate", err)
}

// Close закрывает пул.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func pgErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return domain.Persistence(op, err)
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}
	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var payload []byte
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = data
		}
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, user_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4)
`, metric.Event, metric.UserID, payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return pgErr("business_metrics_insert", err)
}

// GetOrCreateByPhone реализует domain.UserRepo.
func (p *Postgres) GetOrCreateByPhone(ctx context.Context, phone, name string) (domain.ChannelUser, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		user    domain.ChannelUser
		nameSQL *string
		created bool
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO users (phone, name)
VALUES ($1, NULLIF($2, ''))
ON CONFLICT (phone) DO UPDATE SET name = COALESCE(EXCLUDED.name, users.name)
RETURNING id, phone, name, created_at, (xmax = 0) AS inserted
`, phone, strings.TrimSpace(name)).Scan(&user.ID, &user.Phone, &nameSQL, &user.CreatedAt, &created)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	if err != nil {
		return domain.ChannelUser{}, false, pgErr("users_upsert", err)
	}
	if nameSQL != nil {
		user.Name = *nameSQL
	}
	if created {
		userID := user.ID
		_ = p.RecordBusinessMetric(ctx, domain.BusinessMetric{
			Event:    domain.BusinessMetricEventUserRegistered,
			UserID:   &userID,
			Metadata: map[string]any{"phone": user.Phone},
		})
	}
	return user, created, nil
}

// GetUserByID возвращает пользователя.
func (p *Postgres) GetUserByID(ctx context.Context, id int64) (domain.ChannelUser, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		user    domain.ChannelUser
		nameSQL *string
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT id, phone, name, created_at FROM users WHERE id=$1`, id).
		Scan(&user.ID, &user.Phone, &nameSQL, &user.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if err != nil {
		return domain.ChannelUser{}, pgErr("users_get", err)
	}
	if nameSQL != nil {
		user.Name = *nameSQL
	}
	return user, nil
}

// AppendMessage добавляет запись в журнал. Повторный provider_message_id не вставляется.
func (p *Postgres) AppendMessage(ctx context.Context, entry domain.MessageLogEntry) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var id int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO message_log (user_id, provider_message_id, direction, kind, content, created_at)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
ON CONFLICT (provider_message_id) WHERE provider_message_id IS NOT NULL DO NOTHING
RETURNING id
`, entry.UserID, entry.ProviderMessageID, string(entry.Direction), string(entry.Kind), entry.Content, entry.Timestamp).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "message_log_insert", "message_log", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pgErr("message_log_insert", err)
	}
	return true, nil
}

// CreateTransaction сохраняет операцию.
func (p *Postgres) CreateTransaction(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO transactions (user_id, kind, amount, category, description, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at
`, tx.UserID, string(tx.Kind), tx.Amount, tx.Category, tx.Description, tx.OccurredAt).Scan(&tx.ID, &tx.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "transactions_insert", "transactions", start, err)
	if err != nil {
		return domain.Transaction{}, pgErr("transactions_insert", err)
	}
	return tx, nil
}

// ListTransactions возвращает операции за период по времени совершения.
func (p *Postgres) ListTransactions(ctx context.Context, userID int64, period domain.Period) ([]domain.Transaction, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, kind, amount::float8, category, description, occurred_at, created_at
FROM transactions
WHERE user_id=$1 AND occurred_at >= $2 AND occurred_at < $3
ORDER BY occurred_at, id
`, userID, period.From, period.To)
	metrics.ObserveNetworkRequest("postgres", "transactions_list", "transactions", start, err)
	if err != nil {
		return nil, pgErr("transactions_list", err)
	}
	defer rows.Close()

	var res []domain.Transaction
	for rows.Next() {
		var (
			tx   domain.Transaction
			kind string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &kind, &tx.Amount, &tx.Category, &tx.Description, &tx.OccurredAt, &tx.CreatedAt); err != nil {
			return nil, pgErr("transactions_list", err)
		}
		tx.Kind = domain.TransactionKind(kind)
		res = append(res, tx)
	}
	return res, pgErr("transactions_list", rows.Err())
}

// CategoryStats считает количество и среднее по категории.
func (p *Postgres) CategoryStats(ctx context.Context, q domain.CategoryStatsQuery) (domain.CategoryStats, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var stats domain.CategoryStats
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT count(*), COALESCE(avg(amount), 0)::float8
FROM transactions
WHERE user_id=$1 AND kind=$2 AND category=$3 AND occurred_at >= $4 AND id <> $5
`, q.UserID, string(q.Kind), q.Category, q.Since, q.ExcludeID).Scan(&stats.Count, &stats.Average)
	metrics.ObserveNetworkRequest("postgres", "transactions_stats", "transactions", start, err)
	if err != nil {
		return domain.CategoryStats{}, pgErr("transactions_stats", err)
	}
	return stats, nil
}

// FindCategoryCorrection ищет категорию, которую пользователь назначал этому описанию.
func (p *Postgres) FindCategoryCorrection(ctx context.Context, userID int64, description string) (string, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var category string
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT category FROM category_corrections WHERE user_id=$1 AND description=lower($2)
`, userID, strings.TrimSpace(description)).Scan(&category)
	metrics.ObserveNetworkRequest("postgres", "category_corrections_get", "category_corrections", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pgErr("category_corrections_get", err)
	}
	return category, true, nil
}

// SaveCategoryCorrection запоминает категорию описания, последняя запись побеждает.
func (p *Postgres) SaveCategoryCorrection(ctx context.Context, userID int64, description, category string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO category_corrections (user_id, description, category) VALUES ($1, lower($2), $3)
ON CONFLICT (user_id, description) DO UPDATE SET category=EXCLUDED.category, updated_at=now()
`, userID, strings.TrimSpace(description), category)
	metrics.ObserveNetworkRequest("postgres", "category_corrections_upsert", "category_corrections", start, err)
	return pgErr("category_corrections_upsert", err)
}

// CreateTask сохраняет задачу.
func (p *Postgres) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO tasks (user_id, title, due_at) VALUES ($1, $2, $3)
RETURNING id, created_at
`, task.UserID, task.Title, task.DueAt).Scan(&task.ID, &task.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "tasks_insert", "tasks", start, err)
	if err != nil {
		return domain.Task{}, pgErr("tasks_insert", err)
	}
	return task, nil
}

// ListOpenTasks реализует domain.TaskRepo.
func (p *Postgres) ListOpenTasks(ctx context.Context, userID int64) ([]domain.Task, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, title, due_at, done, created_at, completed_at
FROM tasks
WHERE user_id=$1 AND NOT done
ORDER BY due_at ASC NULLS LAST, created_at, id
`, userID)
	metrics.ObserveNetworkRequest("postgres", "tasks_list_open", "tasks", start, err)
	if err != nil {
		return nil, pgErr("tasks_list_open", err)
	}
	defer rows.Close()

	var res []domain.Task
	for rows.Next() {
		var task domain.Task
		if err := rows.Scan(&task.ID, &task.UserID, &task.Title, &task.DueAt, &task.Done, &task.CreatedAt, &task.CompletedAt); err != nil {
			return nil, pgErr("tasks_list_open", err)
		}
		res = append(res, task)
	}
	return res, pgErr("tasks_list_open", rows.Err())
}

// CompleteTask закрывает открытую задачу пользователя.
func (p *Postgres) CompleteTask(ctx context.Context, userID, taskID int64, at time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE tasks SET done=true, completed_at=$3 WHERE id=$2 AND user_id=$1 AND NOT done
`, userID, taskID, at)
	metrics.ObserveNetworkRequest("postgres", "tasks_complete", "tasks", start, err)
	if err != nil {
		return pgErr("tasks_complete", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CreateEvent сохраняет событие.
func (p *Postgres) CreateEvent(ctx context.Context, event domain.Event) (domain.Event, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO events (user_id, title, starts_at) VALUES ($1, $2, $3)
RETURNING id, created_at
`, event.UserID, event.Title, event.StartsAt).Scan(&event.ID, &event.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "events_insert", "events", start, err)
	if err != nil {
		return domain.Event{}, pgErr("events_insert", err)
	}
	return event, nil
}

// ListEvents возвращает события периода по времени начала.
func (p *Postgres) ListEvents(ctx context.Context, userID int64, period domain.Period) ([]domain.Event, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, title, starts_at, created_at
FROM events
WHERE user_id=$1 AND starts_at >= $2 AND starts_at < $3
ORDER BY starts_at, id
`, userID, period.From, period.To)
	metrics.ObserveNetworkRequest("postgres", "events_list", "events", start, err)
	if err != nil {
		return nil, pgErr("events_list", err)
	}
	defer rows.Close()

	var res []domain.Event
	for rows.Next() {
		var event domain.Event
		if err := rows.Scan(&event.ID, &event.UserID, &event.Title, &event.StartsAt, &event.CreatedAt); err != nil {
			return nil, pgErr("events_list", err)
		}
		res = append(res, event)
	}
	return res, pgErr("events_list", rows.Err())
}

// CreateReminder сохраняет напоминание в статусе PENDING.
func (p *Postgres) CreateReminder(ctx context.Context, reminder domain.Reminder) (domain.Reminder, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	reminder.Status = domain.ReminderPending
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO reminders (user_id, text, remind_at, status) VALUES ($1, $2, $3, $4)
RETURNING id, created_at
`, reminder.UserID, reminder.Text, reminder.When, string(reminder.Status)).Scan(&reminder.ID, &reminder.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "reminders_insert", "reminders", start, err)
	if err != nil {
		return domain.Reminder{}, pgErr("reminders_insert", err)
	}
	return reminder, nil
}

func scanReminder(row pgx.Row) (domain.Reminder, error) {
	var (
		reminder domain.Reminder
		status   string
	)
	if err := row.Scan(&reminder.ID, &reminder.UserID, &reminder.Text, &reminder.When, &status, &reminder.CreatedAt, &reminder.SentAt,
		&reminder.Attempts, &reminder.NextAttemptAt); err != nil {
		return domain.Reminder{}, err
	}
	reminder.Status = domain.ReminderStatus(status)
	return reminder, nil
}

// GetReminder возвращает напоминание по id.
func (p *Postgres) GetReminder(ctx context.Context, id int64) (domain.Reminder, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	reminder, err := scanReminder(p.pool.QueryRow(ctx, `
SELECT id, user_id, text, remind_at, status, created_at, sent_at, attempts, next_attempt_at FROM reminders WHERE id=$1
`, id))
	metrics.ObserveNetworkRequest("postgres", "reminders_get", "reminders", start, err)
	if err != nil {
		return domain.Reminder{}, pgErr("reminders_get", err)
	}
	return reminder, nil
}

// MarkReminderSent условно переводит PENDING→SENT: выигрывает только первый вызов.
func (p *Postgres) MarkReminderSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE reminders SET status='SENT', sent_at=$2 WHERE id=$1 AND status='PENDING'
`, id, at)
	metrics.ObserveNetworkRequest("postgres", "reminders_mark_sent", "reminders", start, err)
	if err != nil {
		return false, pgErr("reminders_mark_sent", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordReminderFailure учитывает неудачную отправку и откладывает следующую попытку.
func (p *Postgres) RecordReminderFailure(ctx context.Context, id int64, next time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE reminders SET attempts = attempts + 1, next_attempt_at = $2 WHERE id=$1 AND status='PENDING'
`, id, next)
	metrics.ObserveNetworkRequest("postgres", "reminders_record_failure", "reminders", start, err)
	return pgErr("reminders_record_failure", err)
}

// ListDueReminders возвращает просроченные PENDING напоминания, которые можно отправлять сейчас.
func (p *Postgres) ListDueReminders(ctx context.Context, q domain.DueRemindersQuery) ([]domain.Reminder, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, text, remind_at, status, created_at, sent_at, attempts, next_attempt_at
FROM reminders
WHERE status='PENDING' AND remind_at <= $1
  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
  AND ($3 <= 0 OR attempts < $3)
ORDER BY remind_at, id
LIMIT $2
`, q.Now, q.Limit, q.MaxAttempts)
	metrics.ObserveNetworkRequest("postgres", "reminders_list_due", "reminders", start, err)
	if err != nil {
		return nil, pgErr("reminders_list_due", err)
	}
	defer rows.Close()

	var res []domain.Reminder
	for rows.Next() {
		reminder, err := scanReminder(rows)
		if err != nil {
			return nil, pgErr("reminders_list_due", err)
		}
		res = append(res, reminder)
	}
	return res, pgErr("reminders_list_due", rows.Err())
}
