package repo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/db"
)

func newSQLite(t *testing.T) *SQLite {
	t.Helper()
	conn, err := db.OpenSQLite(db.MemoryDSN)
	if err != nil {
		t.Fatalf("не удалось открыть sqlite: %v", err)
	}
	store := NewSQLite(conn)
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("миграция упала: %v", err)
	}
	return store
}

func TestSQLiteGetOrCreateByPhone(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()

	first, created, err := store.GetOrCreateByPhone(ctx, "5511999990000", "Ana")
	if err != nil || !created {
		t.Fatalf("ожидали создание пользователя: created=%v err=%v", created, err)
	}
	second, created, err := store.GetOrCreateByPhone(ctx, "5511999990000", "")
	if err != nil || created {
		t.Fatalf("повторный вызов не должен создавать пользователя: created=%v err=%v", created, err)
	}
	if first.ID != second.ID || second.Name != "Ana" {
		t.Fatalf("ожидали того же пользователя, получили %+v и %+v", first, second)
	}
	if _, err := store.GetUserByID(ctx, 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}
}

func TestSQLiteAppendMessageDedup(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	entry := domain.MessageLogEntry{ProviderMessageID: "wamid.1", Direction: domain.DirectionIn, Kind: domain.KindText, Content: "oi"}

	inserted, err := store.AppendMessage(ctx, entry)
	if err != nil || !inserted {
		t.Fatalf("первая запись должна сохраниться: inserted=%v err=%v", inserted, err)
	}
	inserted, err = store.AppendMessage(ctx, entry)
	if err != nil || inserted {
		t.Fatalf("повтор provider id должен игнорироваться: inserted=%v err=%v", inserted, err)
	}

	out := domain.MessageLogEntry{Direction: domain.DirectionOut, Kind: domain.KindText, Content: "ok"}
	for i := 0; i < 2; i++ {
		if inserted, err := store.AppendMessage(ctx, out); err != nil || !inserted {
			t.Fatalf("записи без provider id не дедуплицируются: inserted=%v err=%v", inserted, err)
		}
	}

	var count int
	if err := store.db.QueryRow(`SELECT count(*) FROM message_log`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("ожидали 3 записи в журнале, получили %d", count)
	}
}

func TestSQLiteMarkReminderSentOnce(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	reminder, err := store.CreateReminder(ctx, domain.Reminder{UserID: 1, Text: "pagar cartão", When: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.MarkReminderSent(ctx, reminder.ID, time.Now())
			if err != nil {
				t.Errorf("mark sent: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Fatalf("перевод в SENT должен выиграть ровно один вызов, выиграли %d", winners.Load())
	}

	got, err := store.GetReminder(ctx, reminder.ID)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	if got.Status != domain.ReminderSent || got.SentAt == nil {
		t.Fatalf("ожидали SENT с отметкой времени, получили %+v", got)
	}
	due, err := store.ListDueReminders(ctx, domain.DueRemindersQuery{Now: time.Now(), Limit: 10})
	if err != nil || len(due) != 0 {
		t.Fatalf("отправленное напоминание не должно попадать в выборку: %v %v", due, err)
	}
}

func TestSQLiteListDueReminders(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	now := time.Date(2024, time.May, 10, 9, 0, 0, 0, time.UTC)
	for _, when := range []time.Time{now.Add(time.Hour), now.Add(-time.Minute), now.Add(-time.Hour)} {
		if _, err := store.CreateReminder(ctx, domain.Reminder{UserID: 1, Text: "x", When: when}); err != nil {
			t.Fatalf("create reminder: %v", err)
		}
	}
	due, err := store.ListDueReminders(ctx, domain.DueRemindersQuery{Now: now, Limit: 10})
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 || !due[0].When.Equal(now.Add(-time.Hour)) {
		t.Fatalf("ожидали два просроченных по возрастанию времени, получили %+v", due)
	}
}

func TestSQLiteListDueSkipsDeferredAndExhausted(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	now := time.Date(2024, time.May, 10, 9, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < 3; i++ {
		r, err := store.CreateReminder(ctx, domain.Reminder{UserID: 1, Text: "x", When: now.Add(-time.Duration(3-i) * time.Minute)})
		if err != nil {
			t.Fatalf("create reminder: %v", err)
		}
		ids = append(ids, r.ID)
	}
	// первое исчерпало попытки, второе отложено, третье свободно
	for i := 0; i < 3; i++ {
		if err := store.RecordReminderFailure(ctx, ids[0], now.Add(-time.Second)); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if err := store.RecordReminderFailure(ctx, ids[1], now.Add(10*time.Second)); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	due, err := store.ListDueReminders(ctx, domain.DueRemindersQuery{Now: now, Limit: 10, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != ids[2] {
		t.Fatalf("ожидали только свободное напоминание, получили %+v", due)
	}

	due, err = store.ListDueReminders(ctx, domain.DueRemindersQuery{Now: now.Add(time.Minute), Limit: 10, MaxAttempts: 3})
	if err != nil || len(due) != 2 {
		t.Fatalf("после паузы отложенное должно вернуться: %+v %v", due, err)
	}
	got, err := store.GetReminder(ctx, ids[0])
	if err != nil || got.Attempts != 3 || got.NextAttemptAt == nil {
		t.Fatalf("ожидали три попытки с отметкой времени, получили %+v %v", got, err)
	}
}

func TestSQLiteTasksOrderAndComplete(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	later := time.Date(2024, time.May, 12, 10, 0, 0, 0, time.UTC)
	sooner := time.Date(2024, time.May, 11, 10, 0, 0, 0, time.UTC)

	noDue, _ := store.CreateTask(ctx, domain.Task{UserID: 1, Title: "sem prazo"})
	laterTask, _ := store.CreateTask(ctx, domain.Task{UserID: 1, Title: "depois", DueAt: &later})
	soonerTask, _ := store.CreateTask(ctx, domain.Task{UserID: 1, Title: "antes", DueAt: &sooner})
	if _, err := store.CreateTask(ctx, domain.Task{UserID: 2, Title: "outro usuário"}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	tasks, err := store.ListOpenTasks(ctx, 1)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 3 || tasks[0].ID != soonerTask.ID || tasks[1].ID != laterTask.ID || tasks[2].ID != noDue.ID {
		t.Fatalf("неверный порядок задач: %+v", tasks)
	}

	if err := store.CompleteTask(ctx, 1, soonerTask.ID, time.Now()); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if err := store.CompleteTask(ctx, 1, soonerTask.ID, time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("повторное закрытие должно вернуть ErrNotFound, получили %v", err)
	}
	if err := store.CompleteTask(ctx, 2, laterTask.ID, time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("чужую задачу закрыть нельзя, получили %v", err)
	}
	tasks, _ = store.ListOpenTasks(ctx, 1)
	if len(tasks) != 2 {
		t.Fatalf("ожидали две открытые задачи, получили %d", len(tasks))
	}
}

func TestSQLiteCategoryStatsExcludesCurrent(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	now := time.Date(2024, time.May, 10, 9, 0, 0, 0, time.UTC)

	var last domain.Transaction
	for _, amount := range []float64{10, 20, 30, 300} {
		tx, err := store.CreateTransaction(ctx, domain.Transaction{
			UserID: 1, Kind: domain.TransactionExpense, Amount: amount, Category: "alimentacao", OccurredAt: now,
		})
		if err != nil {
			t.Fatalf("create tx: %v", err)
		}
		last = tx
	}
	if _, err := store.CreateTransaction(ctx, domain.Transaction{
		UserID: 1, Kind: domain.TransactionIncome, Amount: 1000, Category: "alimentacao", OccurredAt: now,
	}); err != nil {
		t.Fatalf("create tx: %v", err)
	}

	stats, err := store.CategoryStats(ctx, domain.CategoryStatsQuery{
		UserID: 1, Kind: domain.TransactionExpense, Category: "alimentacao", Since: now.AddDate(0, 0, -90), ExcludeID: last.ID,
	})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 3 || stats.Average != 20 {
		t.Fatalf("ожидали 3 операции со средним 20, получили %+v", stats)
	}

	period := domain.Period{From: now.Add(-time.Minute), To: now.Add(time.Minute)}
	txs, err := store.ListTransactions(ctx, 1, period)
	if err != nil || len(txs) != 5 {
		t.Fatalf("ожидали 5 операций за период, получили %d (%v)", len(txs), err)
	}
	if !txs[0].OccurredAt.Equal(now) {
		t.Fatalf("время операции должно сохраняться, получили %v", txs[0].OccurredAt)
	}
}

func TestSQLiteFindCategoryCorrection(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	if _, err := store.db.Exec(`INSERT INTO category_corrections (user_id, description, category) VALUES (1, 'padaria', 'alimentacao')`); err != nil {
		t.Fatalf("insert correction: %v", err)
	}
	category, ok, err := store.FindCategoryCorrection(ctx, 1, " Padaria ")
	if err != nil || !ok || category != "alimentacao" {
		t.Fatalf("ожидали исправление alimentacao, получили %q %v %v", category, ok, err)
	}
	if _, ok, err := store.FindCategoryCorrection(ctx, 2, "padaria"); err != nil || ok {
		t.Fatalf("исправления другого пользователя не должны находиться: %v %v", ok, err)
	}

	for _, category := range []string{"lazer", "presentes"} {
		if err := store.SaveCategoryCorrection(ctx, 2, " Presente da Ana", category); err != nil {
			t.Fatalf("save correction: %v", err)
		}
	}
	category, ok, err = store.FindCategoryCorrection(ctx, 2, "presente da ana")
	if err != nil || !ok || category != "presentes" {
		t.Fatalf("ожидали последнее исправление presentes, получили %q %v %v", category, ok, err)
	}
}

func TestSQLiteEvents(t *testing.T) {
	store := newSQLite(t)
	ctx := context.Background()
	day := time.Date(2024, time.May, 10, 0, 0, 0, 0, time.UTC)
	for _, h := range []int{15, 9} {
		if _, err := store.CreateEvent(ctx, domain.Event{UserID: 1, Title: "reunião", StartsAt: day.Add(time.Duration(h) * time.Hour)}); err != nil {
			t.Fatalf("create event: %v", err)
		}
	}
	if _, err := store.CreateEvent(ctx, domain.Event{UserID: 1, Title: "amanhã", StartsAt: day.AddDate(0, 0, 1)}); err != nil {
		t.Fatalf("create event: %v", err)
	}
	events, err := store.ListEvents(ctx, 1, domain.Period{From: day, To: day.AddDate(0, 0, 1)})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].StartsAt.Hour() != 9 {
		t.Fatalf("ожидали два события по времени, получили %+v", events)
	}
}
