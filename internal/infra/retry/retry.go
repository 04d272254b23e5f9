// Package retry оборачивает внешние вызовы ограниченным числом повторов
// с экспоненциальной задержкой и таймаутом на каждую попытку.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/metrics"
)

// Policy задаёт параметры повторов.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Timeout      time.Duration
}

// DefaultPolicy — 3 попытки, 1s/2s, потолок 10s, таймаут попытки 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Timeout:      10 * time.Second,
	}
}

// TimeoutError возвращается, когда попытка не уложилась в Policy.Timeout.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: attempt timed out after %s", e.Operation, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == domain.ErrTransientProvider }

// Executor выполняет операции по политике повторов.
type Executor struct {
	policy    Policy
	log       zerolog.Logger
	timer     backoff.Timer
	retryable func(error) bool
}

// Option настраивает Executor.
type Option func(*Executor)

// WithTimer подменяет таймер ожидания между попытками.
func WithTimer(timer backoff.Timer) Option {
	return func(e *Executor) { e.timer = timer }
}

// WithClassifier подменяет классификатор временных ошибок.
func WithClassifier(fn func(error) bool) Option {
	return func(e *Executor) { e.retryable = fn }
}

// New создаёт Executor.
func New(policy Policy, logger zerolog.Logger, opts ...Option) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = time.Duration(1<<62 - 1)
	}
	e := &Executor{
		policy:    policy,
		log:       logger.With().Str("component", "retry").Logger(),
		retryable: Retryable,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy возвращает действующую политику.
func (e *Executor) Policy() Policy { return e.policy }

func (e *Executor) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.policy.InitialDelay
	exp.Multiplier = e.policy.Multiplier
	exp.MaxInterval = e.policy.MaxDelay
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(e.policy.MaxAttempts-1)), ctx)
}

// Do выполняет fn. Временные ошибки повторяются с задержкой
// InitialDelay*Multiplier^(n-1), не больше MaxDelay. Постоянная ошибка возвращается сразу,
// после последней неудачной попытки возвращается её исходная ошибка.
func (e *Executor) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := e.attempt(ctx, operation, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !e.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		metrics.IncRetry(operation)
		e.log.Warn().Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retry: попытка не удалась, повторяем")
	}
	err := backoff.RetryNotifyWithTimer(op, e.backOff(ctx), notify, e.timer)
	if err != nil && attempt > 1 {
		e.log.Error().Err(err).Str("operation", operation).Int("attempts", attempt).Msg("retry: попытки исчерпаны")
	}
	return err
}

// attempt запускает fn и гонит её против таймера. Таймаут считается временной ошибкой.
func (e *Executor) attempt(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if e.policy.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(attemptCtx) }()

	select {
	case err := <-done:
		if err == nil || attemptCtx.Err() == nil {
			return err
		}
	case <-attemptCtx.Done():
		select {
		case err := <-done:
			if err == nil {
				return nil
			}
		default:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return &TimeoutError{Operation: operation, Timeout: e.policy.Timeout}
}

// Retryable относит к временным сетевые ошибки, таймауты, 5xx и 429 провайдера.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrTransientProvider) {
		return true
	}
	var providerErr *domain.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
