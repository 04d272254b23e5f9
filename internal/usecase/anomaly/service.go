// Package anomaly ищет подозрительные операции сразу после их сохранения.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
)

// Policy задаёт пороги эвристик. Все значения настраиваются через конфиг.
type Policy struct {
	SpikeMultiplier float64
	DuplicateWindow time.Duration
	MinHistory      int
	Lookback        time.Duration
}

// DefaultPolicy — 2× среднего по категории, окно дубликата 15 минут, минимум 3 операции за 90 дней.
func DefaultPolicy() Policy {
	return Policy{SpikeMultiplier: 2, DuplicateWindow: 15 * time.Minute, MinHistory: 3, Lookback: 90 * 24 * time.Hour}
}

// AlertKind — вид найденной аномалии.
type AlertKind string

const (
	AlertDuplicate AlertKind = "duplicate"
	AlertSpike     AlertKind = "spike"
)

// Alert — найденная аномалия с текстом для пользователя.
type Alert struct {
	Kind    AlertKind
	Message string
}

// Service проверяет операции и отправляет предупреждения в канал.
type Service struct {
	txs     domain.TransactionRepo
	channel domain.OutboundChannel
	policy  Policy
	log     zerolog.Logger
}

// NewService создаёт сервис. channel может быть nil, тогда Notify только считает аномалии.
func NewService(txs domain.TransactionRepo, channel domain.OutboundChannel, policy Policy, logger zerolog.Logger) *Service {
	return &Service{txs: txs, channel: channel, policy: policy, log: logger.With().Str("component", "anomaly").Logger()}
}

// Check возвращает аномалии для только что сохранённой операции.
func (s *Service) Check(ctx context.Context, tx domain.Transaction) ([]Alert, error) {
	var alerts []Alert
	dup, err := s.isDuplicate(ctx, tx)
	if err != nil {
		return nil, err
	}
	if dup {
		alerts = append(alerts, Alert{
			Kind: AlertDuplicate,
			Message: fmt.Sprintf("⚠️ Você registrou %s em %s há menos de %d minutos. Foi lançamento duplicado?",
				domain.FormatBRL(tx.Amount), tx.Category, int(s.policy.DuplicateWindow.Minutes())),
		})
	}
	if tx.Kind != domain.TransactionExpense || s.policy.SpikeMultiplier <= 0 {
		return alerts, nil
	}
	stats, err := s.txs.CategoryStats(ctx, domain.CategoryStatsQuery{
		UserID:    tx.UserID,
		Kind:      tx.Kind,
		Category:  tx.Category,
		Since:     tx.OccurredAt.Add(-s.policy.Lookback),
		ExcludeID: tx.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("статистика категории: %w", err)
	}
	if stats.Count >= s.policy.MinHistory && stats.Average > 0 && tx.Amount > s.policy.SpikeMultiplier*stats.Average {
		alerts = append(alerts, Alert{
			Kind: AlertSpike,
			Message: fmt.Sprintf("📈 Gasto de %s em %s está bem acima da sua média (%s).",
				domain.FormatBRL(tx.Amount), tx.Category, domain.FormatBRL(stats.Average)),
		})
	}
	return alerts, nil
}

func (s *Service) isDuplicate(ctx context.Context, tx domain.Transaction) (bool, error) {
	if s.policy.DuplicateWindow <= 0 {
		return false, nil
	}
	period := domain.Period{From: tx.OccurredAt.Add(-s.policy.DuplicateWindow), To: tx.OccurredAt.Add(s.policy.DuplicateWindow)}
	recent, err := s.txs.ListTransactions(ctx, tx.UserID, period)
	if err != nil {
		return false, fmt.Errorf("последние операции: %w", err)
	}
	for _, other := range recent {
		if other.ID == tx.ID || other.Kind != tx.Kind {
			continue
		}
		if math.Abs(other.Amount-tx.Amount) < 0.005 {
			return true, nil
		}
	}
	return false, nil
}

// Notify проверяет операцию и отправляет предупреждения пользователю.
func (s *Service) Notify(ctx context.Context, phone string, tx domain.Transaction) error {
	alerts, err := s.Check(ctx, tx)
	if err != nil {
		return err
	}
	for _, alert := range alerts {
		s.log.Info().Int64("user_id", tx.UserID).Int64("tx_id", tx.ID).Str("kind", string(alert.Kind)).Msg("anomaly: найдена аномалия")
		if s.channel == nil {
			continue
		}
		if err := s.channel.SendText(ctx, phone, alert.Message); err != nil {
			return fmt.Errorf("отправка предупреждения: %w", err)
		}
	}
	return nil
}
