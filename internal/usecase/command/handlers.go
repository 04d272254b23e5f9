package command

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"finance-bot/internal/domain"
	"finance-bot/internal/nlu"
)

var (
	errNoAmount    = domain.NewValidationError("não encontrei o valor")
	errNoTitle     = domain.NewValidationError("não entendi o título")
	errNoIndex     = domain.NewValidationError("informe o número da tarefa")
	errBadIndex    = domain.NewValidationError("essa tarefa não existe")
	errNoDateRange = domain.NewValidationError("período inválido")
)

func (r *Router) logTransaction(kind domain.TransactionKind) handler {
	return func(ctx context.Context, user domain.ChannelUser, _ domain.Intent, text string) (string, error) {
		amount, ok := nlu.ParseAmount(text)
		if !ok {
			return "", errNoAmount
		}
		now := r.now()
		description, _ := nlu.ParseDescription(text)
		category, ok := nlu.ParseCategory(text)
		if ok && description != "" {
			if err := r.deps.Categorizer.Learn(ctx, user.ID, description, category); err != nil {
				r.log.Warn().Err(err).Int64("user_id", user.ID).Msg("command: не удалось запомнить категорию")
			}
		}
		if !ok {
			var err error
			if category, err = r.deps.Categorizer.Categorize(ctx, user.ID, description); err != nil {
				return "", err
			}
		}
		occurred, ok := nlu.ParseDateRelative(text, now)
		if !ok {
			occurred = now
		}
		tx, err := r.deps.Transactions.CreateTransaction(ctx, domain.Transaction{
			UserID:      user.ID,
			Kind:        kind,
			Amount:      amount,
			Category:    category,
			Description: description,
			OccurredAt:  occurred,
		})
		if err != nil {
			return "", fmt.Errorf("сохранение операции: %w", err)
		}
		r.track(user.ID, domain.BusinessMetricEventTransactionLogged, map[string]any{"kind": string(kind), "category": category})
		if r.deps.Anomaly != nil && r.deps.Runner != nil {
			phone := user.Phone
			r.deps.Runner.Go("anomaly_check", func(ctx context.Context) error {
				return r.deps.Anomaly.Notify(ctx, phone, tx)
			})
		}

		label := "💸 Despesa registrada"
		if kind == domain.TransactionIncome {
			label = "💰 Receita registrada"
		}
		reply := fmt.Sprintf("%s: %s em #%s", label, domain.FormatBRL(amount), category)
		if description != "" {
			reply += " (" + description + ")"
		}
		return reply + ", " + occurred.In(r.loc).Format("02/01"), nil
	}
}

type categoryTotal struct {
	category string
	total    float64
}

func (r *Router) report(ctx context.Context, user domain.ChannelUser, intent domain.Intent, _ string) (string, error) {
	name := intent.Range
	if name == "" {
		name = nlu.RangeMonth
	}
	period, ok := nlu.PeriodFor(name, r.now())
	if !ok {
		return "", errNoDateRange
	}
	txs, err := r.deps.Transactions.ListTransactions(ctx, user.ID, period)
	if err != nil {
		return "", fmt.Errorf("выборка операций: %w", err)
	}
	if len(txs) == 0 {
		return fmt.Sprintf("📊 Nenhuma movimentação %s.", rangeLabel(name)), nil
	}

	var income, expense float64
	byCategory := map[string]float64{}
	for _, tx := range txs {
		byCategory[tx.Category] += tx.Signed()
		if tx.Kind == domain.TransactionIncome {
			income += tx.Amount
		} else {
			expense += tx.Amount
		}
	}
	totals := make([]categoryTotal, 0, len(byCategory))
	for c, v := range byCategory {
		totals = append(totals, categoryTotal{category: c, total: v})
	}
	sort.Slice(totals, func(i, j int) bool {
		if math.Abs(totals[i].total) != math.Abs(totals[j].total) {
			return math.Abs(totals[i].total) > math.Abs(totals[j].total)
		}
		return totals[i].category < totals[j].category
	})

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Resumo %s\n", rangeLabel(name))
	for _, t := range totals {
		fmt.Fprintf(&b, "• %s: %s\n", t.category, domain.FormatBRL(t.total))
	}
	fmt.Fprintf(&b, "\nReceitas: %s\nDespesas: %s\nSaldo: %s", domain.FormatBRL(income), domain.FormatBRL(expense), domain.FormatBRL(income-expense))
	return b.String(), nil
}

func (r *Router) createTask(ctx context.Context, user domain.ChannelUser, _ domain.Intent, text string) (string, error) {
	title := nlu.TaskTitle(text)
	if title == "" {
		return "", errNoTitle
	}
	task := domain.Task{UserID: user.ID, Title: title}
	if due, ok := nlu.ParseDateTime(text, r.now()); ok {
		task.DueAt = &due
	}
	created, err := r.deps.Tasks.CreateTask(ctx, task)
	if err != nil {
		return "", fmt.Errorf("сохранение задачи: %w", err)
	}
	reply := "📝 Tarefa criada: " + created.Title
	if created.DueAt != nil {
		reply += " (até " + created.DueAt.In(r.loc).Format("02/01 15:04") + ")"
	}
	return reply, nil
}

func (r *Router) listTasks(ctx context.Context, user domain.ChannelUser, _ domain.Intent, _ string) (string, error) {
	tasks, err := r.deps.Tasks.ListOpenTasks(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("выборка задач: %w", err)
	}
	if len(tasks) == 0 {
		return "✅ Você não tem tarefas pendentes.", nil
	}
	var b strings.Builder
	b.WriteString("📋 Suas tarefas:")
	for i, task := range tasks {
		fmt.Fprintf(&b, "\n%d. %s", i+1, task.Title)
		if task.DueAt != nil {
			fmt.Fprintf(&b, " (até %s)", task.DueAt.In(r.loc).Format("02/01 15:04"))
		}
	}
	return b.String(), nil
}

func (r *Router) completeTask(ctx context.Context, user domain.ChannelUser, intent domain.Intent, text string) (string, error) {
	index := intent.Index
	if index == 0 {
		index = nlu.ParseIndex(text)
	}
	if index <= 0 {
		return "", errNoIndex
	}
	tasks, err := r.deps.Tasks.ListOpenTasks(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("выборка задач: %w", err)
	}
	if index > len(tasks) {
		return "", errBadIndex
	}
	task := tasks[index-1]
	if err := r.deps.Tasks.CompleteTask(ctx, user.ID, task.ID, r.now()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", errBadIndex
		}
		return "", fmt.Errorf("закрытие задачи: %w", err)
	}
	return "✅ Tarefa concluída: " + task.Title, nil
}

func (r *Router) agendaSummary(ctx context.Context, user domain.ChannelUser, intent domain.Intent, _ string) (string, error) {
	name := intent.Range
	if name == "" {
		name = nlu.RangeToday
	}
	period, ok := nlu.PeriodFor(name, r.now())
	if !ok {
		return "", errNoDateRange
	}
	events, err := r.deps.Events.ListEvents(ctx, user.ID, period)
	if err != nil {
		return "", fmt.Errorf("выборка событий: %w", err)
	}
	if len(events) == 0 {
		return fmt.Sprintf("📅 Nenhum compromisso %s.", rangeLabel(name)), nil
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].StartsAt.Before(events[j].StartsAt) })
	var b strings.Builder
	fmt.Fprintf(&b, "📅 Agenda %s:", rangeLabel(name))
	layout := "15:04"
	if name != nlu.RangeToday {
		layout = "02/01 15:04"
	}
	for _, e := range events {
		fmt.Fprintf(&b, "\n• %s %s", e.StartsAt.In(r.loc).Format(layout), e.Title)
	}
	return b.String(), nil
}

func (r *Router) createEvent(ctx context.Context, user domain.ChannelUser, _ domain.Intent, text string) (string, error) {
	title := nlu.EventTitle(text)
	if title == "" {
		return "", errNoTitle
	}
	starts, ok := nlu.ParseDateTime(text, r.now())
	if !ok {
		starts = r.now()
	}
	event, err := r.deps.Events.CreateEvent(ctx, domain.Event{UserID: user.ID, Title: title, StartsAt: starts})
	if err != nil {
		return "", fmt.Errorf("сохранение события: %w", err)
	}
	return fmt.Sprintf("📅 Evento agendado: %s em %s", event.Title, event.StartsAt.In(r.loc).Format("02/01 15:04")), nil
}

func (r *Router) scheduleReminder(ctx context.Context, user domain.ChannelUser, _ domain.Intent, text string) (string, error) {
	reminder, err := r.deps.Reminders.Schedule(ctx, user, text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("⏰ Vou te lembrar de \"%s\" em %s", reminder.Text, reminder.When.In(r.loc).Format("02/01 às 15:04")), nil
}

func (r *Router) help(context.Context, domain.ChannelUser, domain.Intent, string) (string, error) {
	return HelpText, nil
}
