package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"finance-bot/internal/domain"
	"finance-bot/internal/infra/metrics"
)

// ErrDeliveriesClosed — брокер закрыл канал доставки.
var ErrDeliveriesClosed = fmt.Errorf("rabbitmq: delivery channel closed: %w", domain.ErrJobStoreClosed)

// RabbitJobStore реализует отложенную очередь через RabbitMQ: задачи публикуются
// в exchange типа x-delayed-message с заголовком x-delay, исчерпавшие попытки
// уходят в <queue>.dead.
type RabbitJobStore struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	queue     string
	deadQueue string
	exchange  string
	policy    domain.JobRetryPolicy
	prefetch  int
	now       func() time.Time

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewRabbitJobStore подключается к брокеру и объявляет exchange и очереди.
func NewRabbitJobStore(amqpURL, queue string, policy domain.JobRetryPolicy, prefetch int) (*RabbitJobStore, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	if policy.MaxAttempts <= 0 {
		policy = domain.DefaultJobRetryPolicy
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q := &RabbitJobStore{
		conn:      conn,
		ch:        ch,
		queue:     queue,
		deadQueue: queue + ".dead",
		exchange:  queue + ".delayed",
		policy:    policy,
		prefetch:  prefetch,
		now:       time.Now,
	}
	if err := q.declare(); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitJobStore) declare() error {
	args := amqp.Table{"x-delayed-type": "direct"}
	if err := q.ch.ExchangeDeclare(q.exchange, "x-delayed-message", true, false, false, false, args); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := q.ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := q.ch.QueueBind(q.queue, q.queue, q.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if _, err := q.ch.QueueDeclare(q.deadQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead queue: %w", err)
	}
	if err := q.ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (q *RabbitJobStore) Close() error {
	chErr := q.ch.Close()
	connErr := q.conn.Close()
	return errors.Join(chErr, connErr)
}

func newPublishing(job domain.DelayedJob, delay time.Duration) (amqp.Publishing, error) {
	if delay < 0 {
		delay = 0
	}
	body, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal job: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"x-delay": delay.Milliseconds()},
		Body:         body,
	}, nil
}

func (q *RabbitJobStore) publish(ctx context.Context, exchange, key string, job domain.DelayedJob, delay time.Duration) error {
	msg, err := newPublishing(job, delay)
	if err != nil {
		return err
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	metrics.ObserveNetworkRequest("rabbitmq", "publish", key, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Enqueue публикует задачу с задержкой до runAt.
func (q *RabbitJobStore) Enqueue(ctx context.Context, job domain.DelayedJob, runAt time.Time) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return q.publish(ctx, q.exchange, q.queue, job, runAt.Sub(q.now()))
}

func (q *RabbitJobStore) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Receive ждёт следующую задачу. Повтор при ack(false) публикуется заново с задержкой
// по политике, исходное сообщение подтверждается.
func (q *RabbitJobStore) Receive(ctx context.Context) (domain.DelayedJob, domain.JobAckFunc, error) {
	deliveries, err := q.consume()
	if err != nil {
		return domain.DelayedJob{}, nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return domain.DelayedJob{}, nil, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return domain.DelayedJob{}, nil, ErrDeliveriesClosed
			}
			var job domain.DelayedJob
			if err := json.Unmarshal(d.Body, &job); err != nil {
				_ = d.Reject(false)
				continue
			}
			job.Attempt++
			return job, q.ackFunc(d, job), nil
		}
	}
}

func (q *RabbitJobStore) ackFunc(d amqp.Delivery, job domain.DelayedJob) domain.JobAckFunc {
	return func(success bool) error {
		if success {
			return d.Ack(false)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if q.policy.Exhausted(job.Attempt) {
			if err := q.publish(ctx, "", q.deadQueue, job, 0); err != nil {
				_ = d.Nack(false, true)
				return err
			}
			metrics.JobsDeadLettered.Inc()
			return d.Ack(false)
		}
		if err := q.publish(ctx, q.exchange, q.queue, job, q.policy.Backoff(job.Attempt)); err != nil {
			_ = d.Nack(false, true)
			return err
		}
		return d.Ack(false)
	}
}
