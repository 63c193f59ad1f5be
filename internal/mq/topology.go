package mq

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/navigator/internal/queue"
)

// Exchange — тип для имени обменника.
type Exchange string

// Exchanges — имена обменников.
const (
	ExchangeJobs Exchange = "navigator.jobs"
	ExchangeDLQ  Exchange = "navigator.dlq"
)

// QueueDLQ — очередь dead-letter для ручного разбора.
const QueueDLQ = "navigator.dlq.jobs"

const routingKeyDLQ = "jobs"

// delayTiers — ступени задержки. Каждая ступень — отдельная очередь
// с фиксированным TTL, поэтому сообщения в ней истекают по порядку.
// Задержка округляется вниз до ступени, остаток добирается повторной
// публикацией (см. Job.NotBefore).
var delayTiers = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
}

// QueueName возвращает имя AMQP очереди для именованной очереди.
func QueueName(name queue.Name) string {
	return "navigator." + string(name)
}

// delayQueueName возвращает имя очереди задержки.
func delayQueueName(name queue.Name, tier time.Duration) string {
	return fmt.Sprintf("navigator.%s.delay.%s", name, tier)
}

// pickTier возвращает наибольшую ступень, не превышающую delay.
func pickTier(delay time.Duration) (time.Duration, bool) {
	var tier time.Duration
	for _, t := range delayTiers {
		if t <= delay {
			tier = t
		}
	}
	return tier, tier > 0
}

// SetupTopology объявляет exchanges, очереди и привязки.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeJobs, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(string(ex), "direct", true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		if err := declareQueue(ch, QueueDLQ, nil); err != nil {
			return err
		}
		if err := ch.QueueBind(QueueDLQ, routingKeyDLQ, string(ExchangeDLQ), false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", QueueDLQ, err)
		}

		for _, name := range queue.Names() {
			if err := declareJobQueue(ch, name); err != nil {
				return err
			}
		}

		return nil
	})
}

func declareJobQueue(ch *amqp.Channel, name queue.Name) error {
	main := QueueName(name)

	// Некорректные сообщения (nack без requeue) уходят в DLQ.
	if err := declareQueue(ch, main, amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": routingKeyDLQ,
	}); err != nil {
		return err
	}
	if err := ch.QueueBind(main, string(name), string(ExchangeJobs), false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", main, err)
	}

	// Истёкшие сообщения очереди задержки возвращаются в основную очередь.
	for _, tier := range delayTiers {
		if err := declareQueue(ch, delayQueueName(name, tier), amqp.Table{
			"x-message-ttl":             tier.Milliseconds(),
			"x-dead-letter-exchange":    string(ExchangeJobs),
			"x-dead-letter-routing-key": string(name),
		}); err != nil {
			return err
		}
	}

	return nil
}

func declareQueue(ch *amqp.Channel, name string, args amqp.Table) error {
	_, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,  // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	var b strings.Builder
	b.WriteString("\n  Navigator RabbitMQ Topology:\n\n")
	fmt.Fprintf(&b, "    %s (direct)\n", ExchangeJobs)
	for _, name := range queue.Names() {
		fmt.Fprintf(&b, "    ├── %s [routing: %s]\n", QueueName(name), name)
	}
	fmt.Fprintf(&b, "    └── delay queues: navigator.<queue>.delay.<tier>, tiers %v\n\n", delayTiers)
	fmt.Fprintf(&b, "    %s (direct)\n", ExchangeDLQ)
	fmt.Fprintf(&b, "    └── %s [routing: %s]\n", QueueDLQ, routingKeyDLQ)
	return b.String()
}
