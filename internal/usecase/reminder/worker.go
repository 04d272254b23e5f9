package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"finance-bot/internal/domain"
)

// Worker читает созревшие задачи из хранилища и доставляет их с ограничением
// параллельности и пропускной способности.
type Worker struct {
	jobs        domain.JobStore
	deliverer   *Deliverer
	concurrency int
	limiter     *rate.Limiter
	log         zerolog.Logger
	retryPause  time.Duration
}

// NewWorker создаёт воркер: не больше concurrency доставок одновременно и perSecond в секунду.
func NewWorker(jobs domain.JobStore, deliverer *Deliverer, concurrency int, perSecond float64, logger zerolog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 5
	}
	if perSecond <= 0 {
		perSecond = 10
	}
	return &Worker{
		jobs:        jobs,
		deliverer:   deliverer,
		concurrency: concurrency,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), 1),
		log:         logger.With().Str("component", "reminder_worker").Logger(),
		retryPause:  time.Second,
	}
}

// Run обрабатывает задачи до отмены ctx или закрытия хранилища.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for gctx.Err() == nil {
		if err := w.limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error { return w.next(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Worker) next(ctx context.Context) error {
	job, ack, err := w.jobs.Receive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, domain.ErrJobStoreClosed) {
			w.log.Error().Err(err).Msg("reminder: хранилище задач закрыто")
			return err
		}
		w.log.Error().Err(err).Msg("reminder: ошибка чтения очереди")
		select {
		case <-ctx.Done():
		case <-time.After(w.retryPause):
		}
		return nil
	}
	w.Handle(ctx, job, ack)
	return nil
}

// Handle доставляет одну задачу и подтверждает её. При ошибке хранилище само
// планирует повтор или переносит задачу в dead.
func (w *Worker) Handle(ctx context.Context, job domain.DelayedJob, ack domain.JobAckFunc) {
	jobLog := w.log.With().
		Str("job_id", job.ID).
		Int64("reminder_id", job.ReminderID).
		Int64("user_id", job.UserID).
		Int("attempt", job.Attempt).
		Logger()

	if job.ReminderID == 0 {
		jobLog.Error().Msg("reminder: задача без напоминания, подтверждаем и пропускаем")
		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("reminder: не удалось подтвердить задачу")
		}
		return
	}

	outcome, err := w.deliverer.Deliver(ctx, job.ReminderID, job.Phone, PathWorker)
	if err != nil {
		jobLog.Warn().Err(err).Msg("reminder: доставка не удалась, задача вернётся в очередь")
		if ackErr := ack(false); ackErr != nil {
			jobLog.Error().Err(ackErr).Msg("reminder: не удалось вернуть задачу")
		}
		return
	}
	jobLog.Debug().Str("outcome", string(outcome)).Msg("reminder: задача обработана")
	if err := ack(true); err != nil {
		jobLog.Error().Err(err).Msg("reminder: не удалось подтвердить задачу")
	}
}
