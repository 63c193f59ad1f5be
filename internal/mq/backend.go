package mq

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/navigator/internal/queue"
)

// Backend — транспорт очередей поверх RabbitMQ.
type Backend struct {
	conn      *Connection
	publisher *Publisher
	logger    *slog.Logger
}

var _ queue.Backend = (*Backend)(nil)

// NewBackend создаёт Backend. Топология должна быть объявлена через SetupTopology.
func NewBackend(conn *Connection, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		conn:      conn,
		publisher: NewPublisher(conn, logger),
		logger:    logger,
	}
}

// Publish публикует job.
func (b *Backend) Publish(ctx context.Context, job *queue.Job, delay time.Duration) error {
	return b.publisher.PublishJob(ctx, job, delay)
}

// DeadLetter отправляет job в navigator.dlq.jobs.
func (b *Backend) DeadLetter(ctx context.Context, job *queue.Job, reason string) error {
	return b.publisher.PublishDeadLetter(ctx, job, reason)
}

// Consume потребляет очередь до отмены ctx.
func (b *Backend) Consume(ctx context.Context, name queue.Name, concurrency int, fn func(context.Context, *queue.Job) error) error {
	consumer := NewConsumer(b.conn, b.logger, ConsumerConfig{
		Queue:       QueueName(name),
		Concurrency: concurrency,
		Handler: func(ctx context.Context, d *Delivery) error {
			job, err := ParsePayload[queue.Job](&d.Message)
			if err != nil {
				return err
			}
			return b.deliver(ctx, &job, fn)
		},
	})
	return consumer.Start(ctx)
}

// deliver передаёт job обработчику, если срок наступил.
// Ранний job (задержка округлена вниз до ступени) публикуется повторно
// на остаток; остаток меньше секунды выжидается на месте.
func (b *Backend) deliver(ctx context.Context, job *queue.Job, fn func(context.Context, *queue.Job) error) error {
	if !job.NotBefore.IsZero() {
		remaining := time.Until(job.NotBefore)
		if remaining >= time.Second {
			b.logger.Debug("job not due yet, re-delaying", "job_id", job.ID, "remaining", remaining)
			return b.publisher.PublishJob(ctx, job, remaining)
		}
		if remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fn(ctx, job)
}
