package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
)

// DefaultLockKey — ключ блокировки цикла опроса между инстансами.
const DefaultLockKey = "reminders:poll-lock"

// Poller — резервный путь доставки без очереди: периодически выбирает
// просроченные PENDING-напоминания и доставляет их тем же Deliverer.
// Неудачные отправки откладываются, поэтому они не занимают пачку следующих циклов.
type Poller struct {
	reminders domain.ReminderRepo
	deliverer *Deliverer
	lock      domain.Cache
	lockKey   string
	lockTTL   time.Duration
	batch     int
	log       zerolog.Logger
	now       func() time.Time
}

// NewPoller создаёт поллер. lock может быть nil, тогда цикл не блокируется между инстансами.
func NewPoller(reminders domain.ReminderRepo, deliverer *Deliverer, lock domain.Cache, lockTTL time.Duration, batch int, logger zerolog.Logger) *Poller {
	if batch <= 0 {
		batch = 50
	}
	return &Poller{
		reminders: reminders,
		deliverer: deliverer,
		lock:      lock,
		lockKey:   DefaultLockKey,
		lockTTL:   lockTTL,
		batch:     batch,
		log:       logger.With().Str("component", "reminder_poller").Logger(),
		now:       time.Now,
	}
}

// Run запускает опрос с интервалом interval до отмены ctx.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.RunOnce(ctx); err != nil {
			p.log.Error().Err(err).Msg("reminder: ошибка цикла опроса")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce выполняет один цикл и возвращает число напоминаний, отмеченных этим циклом как SENT.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	if p.lock == nil || p.lockTTL <= 0 {
		return p.cycle(ctx)
	}
	var sent int
	err := p.lock.Once(p.lockKey, p.lockTTL, func() error {
		var err error
		sent, err = p.cycle(ctx)
		return err
	})
	return sent, err
}

func (p *Poller) cycle(ctx context.Context) (int, error) {
	due, err := p.reminders.ListDueReminders(ctx, domain.DueRemindersQuery{
		Now:         p.now(),
		Limit:       p.batch,
		MaxAttempts: p.deliverer.MaxAttempts(),
	})
	if err != nil {
		return 0, fmt.Errorf("выборка напоминаний: %w", err)
	}
	sent := 0
	for _, r := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		outcome, err := p.deliverer.Deliver(ctx, r.ID, "", PathPoller)
		if err != nil {
			p.log.Warn().Err(err).Int64("reminder_id", r.ID).Msg("reminder: поллер не смог доставить напоминание")
			continue
		}
		if outcome == OutcomeSent {
			sent++
		}
	}
	if len(due) > 0 {
		p.log.Info().Int("due", len(due)).Int("sent", sent).Msg("reminder: цикл опроса завершён")
	}
	return sent, nil
}
