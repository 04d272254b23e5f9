// Package background запускает побочные вызовы, ошибки которых не должны ломать основной путь.
package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Runner выполняет задачи в отдельных горутинах: каждая со своим таймаутом,
// паника перехватывается, ошибка только логируется.
type Runner struct {
	log     zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewRunner создаёт Runner. timeout ограничивает каждую задачу.
func NewRunner(logger zerolog.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{log: logger.With().Str("component", "background").Logger(), timeout: timeout}
}

// Go запускает fn. Контекст задачи не зависит от контекста запроса.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		start := time.Now()
		if err := r.run(fn); err != nil {
			r.log.Warn().Err(err).Str("task", name).Dur("duration", time.Since(start)).Msg("background: задача завершилась ошибкой")
		}
	}()
}

func (r *Runner) run(fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Wait дожидается завершения всех запущенных задач.
func (r *Runner) Wait() {
	r.wg.Wait()
}
