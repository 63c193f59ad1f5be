package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/navigator/internal/queue"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJob        MessageType = "job"
	MessageTypeDeadLetter MessageType = "job.dead"
)

// Message — конверт AMQP сообщения.
type Message struct {
	// ID — идентификатор сообщения (совпадает с Job.ID).
	ID string `json:"id"`

	Type MessageType `json:"type"`

	// Payload — queue.Job.
	Payload any `json:"payload"`

	// Reason — причина отправки в DLQ.
	Reason string `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Publisher публикует job в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// PublishJob публикует job с задержкой delay.
//
// Задержка от секунды уходит в очередь задержки ближайшей ступени,
// остаток фиксируется в Job.NotBefore.
func (p *Publisher) PublishJob(ctx context.Context, job *queue.Job, delay time.Duration) error {
	exchange := string(ExchangeJobs)
	routingKey := string(job.Queue)

	if delay > 0 {
		job.NotBefore = time.Now().Add(delay)
		if tier, ok := pickTier(delay); ok {
			// default exchange маршрутизирует по имени очереди
			exchange = ""
			routingKey = delayQueueName(job.Queue, tier)
		}
	}

	msg := &Message{
		ID:        job.ID,
		Type:      MessageTypeJob,
		Payload:   job,
		Timestamp: time.Now(),
	}

	return p.publish(ctx, exchange, routingKey, msg)
}

// PublishDeadLetter отправляет job в DLQ.
func (p *Publisher) PublishDeadLetter(ctx context.Context, job *queue.Job, reason string) error {
	msg := &Message{
		ID:        job.ID,
		Type:      MessageTypeDeadLetter,
		Payload:   job,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	return p.publish(ctx, string(ExchangeDLQ), routingKeyDLQ, msg)
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			exchange,
			routingKey,
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}
