package anomaly

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
)

type stubTxRepo struct {
	txs      []domain.Transaction
	stats    domain.CategoryStats
	lastStat domain.CategoryStatsQuery
	err      error
}

func (s *stubTxRepo) CreateTransaction(_ context.Context, tx domain.Transaction) (domain.Transaction, error) {
	return tx, nil
}

func (s *stubTxRepo) ListTransactions(_ context.Context, userID int64, period domain.Period) ([]domain.Transaction, error) {
	if s.err != nil {
		return nil, s.err
	}
	var res []domain.Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID && period.Contains(tx.OccurredAt) {
			res = append(res, tx)
		}
	}
	return res, nil
}

func (s *stubTxRepo) CategoryStats(_ context.Context, q domain.CategoryStatsQuery) (domain.CategoryStats, error) {
	s.lastStat = q
	return s.stats, nil
}

type stubChannel struct {
	sent []string
}

func (c *stubChannel) SendText(_ context.Context, _ string, text string) error {
	c.sent = append(c.sent, text)
	return nil
}

func (c *stubChannel) GetMedia(context.Context, string) (domain.Media, error) {
	return domain.Media{}, nil
}

var at = time.Date(2024, time.May, 10, 12, 0, 0, 0, time.UTC)

func expense(id int64, amount float64, when time.Time) domain.Transaction {
	return domain.Transaction{ID: id, UserID: 1, Kind: domain.TransactionExpense, Amount: amount, Category: "alimentacao", OccurredAt: when}
}

func TestDuplicateWithinWindow(t *testing.T) {
	current := expense(2, 50, at)
	repo := &stubTxRepo{txs: []domain.Transaction{expense(1, 50, at.Add(-10*time.Minute)), current}}
	svc := NewService(repo, nil, DefaultPolicy(), zerolog.Nop())

	alerts, err := svc.Check(context.Background(), current)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Kind != AlertDuplicate {
		t.Fatalf("ожидали предупреждение о дубликате, получили %+v", alerts)
	}

	repo.txs[0].OccurredAt = at.Add(-20 * time.Minute)
	alerts, _ = svc.Check(context.Background(), current)
	if len(alerts) != 0 {
		t.Fatalf("операция вне окна не дубликат, получили %+v", alerts)
	}
}

func TestSpikeUsesPolicy(t *testing.T) {
	current := expense(5, 300, at)
	repo := &stubTxRepo{txs: []domain.Transaction{current}, stats: domain.CategoryStats{Count: 3, Average: 100}}
	svc := NewService(repo, nil, DefaultPolicy(), zerolog.Nop())

	alerts, err := svc.Check(context.Background(), current)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Kind != AlertSpike {
		t.Fatalf("ожидали всплеск, получили %+v", alerts)
	}
	if repo.lastStat.ExcludeID != 5 || !repo.lastStat.Since.Equal(at.Add(-90*24*time.Hour)) {
		t.Fatalf("неверный запрос статистики: %+v", repo.lastStat)
	}

	policy := DefaultPolicy()
	policy.SpikeMultiplier = 4
	alerts, _ = NewService(repo, nil, policy, zerolog.Nop()).Check(context.Background(), current)
	if len(alerts) != 0 {
		t.Fatalf("с множителем 4 всплеска нет, получили %+v", alerts)
	}

	repo.stats.Count = 2
	alerts, _ = svc.Check(context.Background(), current)
	if len(alerts) != 0 {
		t.Fatalf("без достаточной истории всплеск не считается, получили %+v", alerts)
	}
}

func TestIncomeSkipsSpike(t *testing.T) {
	income := domain.Transaction{ID: 1, UserID: 1, Kind: domain.TransactionIncome, Amount: 5000, Category: "renda", OccurredAt: at}
	repo := &stubTxRepo{stats: domain.CategoryStats{Count: 10, Average: 100}}
	alerts, err := NewService(repo, nil, DefaultPolicy(), zerolog.Nop()).Check(context.Background(), income)
	if err != nil || len(alerts) != 0 {
		t.Fatalf("доходы не проверяются на всплеск: %+v %v", alerts, err)
	}
}

func TestNotifySendsAlerts(t *testing.T) {
	current := expense(2, 50, at)
	repo := &stubTxRepo{txs: []domain.Transaction{expense(1, 50, at), current}}
	ch := &stubChannel{}
	if err := NewService(repo, ch, DefaultPolicy(), zerolog.Nop()).Notify(context.Background(), "5511", current); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(ch.sent) != 1 || !strings.Contains(ch.sent[0], "R$ 50,00") {
		t.Fatalf("ожидали одно сообщение с суммой, получили %v", ch.sent)
	}

	repo.err = errors.New("db down")
	if err := NewService(repo, ch, DefaultPolicy(), zerolog.Nop()).Notify(context.Background(), "5511", current); err == nil {
		t.Fatalf("ожидали ошибку хранилища")
	}
}
