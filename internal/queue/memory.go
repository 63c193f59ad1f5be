package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"golang.org/x/sync/errgroup"
)

// DeadJob — job в in-memory dead-letter.
type DeadJob struct {
	Job    *Job
	Reason string
	At     time.Time
}

// MemoryBackend — Backend поверх watermill GoChannel.
//
// Используется в локальном режиме (один процесс) и в тестах.
// Задержки реализуются таймерами процесса и теряются при остановке.
type MemoryBackend struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger

	mu   sync.Mutex
	dead []DeadJob

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryBackend создаёт MemoryBackend.
func NewMemoryBackend(logger *slog.Logger) *MemoryBackend {
	if logger == nil {
		logger = slog.Default()
	}

	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 1000,
			// job, добавленные до старта consumer, не теряются
			Persistent: true,
		},
		watermill.NewSlogLogger(logger),
	)

	return &MemoryBackend{
		pubsub: pubsub,
		logger: logger,
		closed: make(chan struct{}),
	}
}

func topic(queue Name) string {
	return "navigator." + string(queue)
}

// Publish публикует job сразу или по таймеру.
func (m *MemoryBackend) Publish(_ context.Context, job *Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("job", job.Name)

	if delay <= 0 {
		return m.pubsub.Publish(topic(job.Queue), msg)
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			if err := m.pubsub.Publish(topic(job.Queue), msg); err != nil {
				m.logger.Error("failed to publish delayed job", "queue", job.Queue, "job_id", job.ID, "error", err)
			}
		case <-m.closed:
		}
	}()

	return nil
}

// requeueDelay — задержка повторной публикации job, чей обработчик вернул ошибку.
const requeueDelay = time.Second

// Consume читает очередь до отмены ctx, выполняя до concurrency job одновременно.
//
// GoChannel отдаёт подписчику следующее сообщение только после Ack,
// поэтому сообщение подтверждается сразу, а job уходит в пул.
func (m *MemoryBackend) Consume(ctx context.Context, queue Name, concurrency int, fn func(context.Context, *Job) error) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	messages, err := m.pubsub.Subscribe(ctx, topic(queue))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", queue, err)
	}

	var pool errgroup.Group
	pool.SetLimit(concurrency)

	for {
		select {
		case <-ctx.Done():
			_ = pool.Wait()
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return pool.Wait()
			}

			var job Job
			err := json.Unmarshal(msg.Payload, &job)
			msg.Ack()
			if err != nil {
				m.logger.Error("dropping malformed job", "message_id", msg.UUID, "error", err)
				continue
			}

			// Блокируется, пока заняты все concurrency слотов.
			pool.Go(func() error {
				m.handle(ctx, &job, fn)
				return nil
			})
		}
	}
}

func (m *MemoryBackend) handle(ctx context.Context, job *Job, fn func(context.Context, *Job) error) {
	err := fn(ctx, job)
	if err == nil || ctx.Err() != nil {
		return
	}

	m.logger.Warn("job handler failed, requeueing", "queue", job.Queue, "job_id", job.ID, "error", err, "delay", requeueDelay)
	if err := m.Publish(context.WithoutCancel(ctx), job, requeueDelay); err != nil {
		m.logger.Error("failed to requeue job", "queue", job.Queue, "job_id", job.ID, "error", err)
	}
}

// DeadLetter сохраняет job в памяти.
func (m *MemoryBackend) DeadLetter(_ context.Context, job *Job, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dead = append(m.dead, DeadJob{Job: job, Reason: reason, At: time.Now()})
	m.logger.Warn("job dead-lettered", "queue", job.Queue, "job", job.Name, "job_id", job.ID, "reason", reason)
	return nil
}

// DeadLetters возвращает копию dead-letter списка.
func (m *MemoryBackend) DeadLetters() []DeadJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeadJob, len(m.dead))
	copy(out, m.dead)
	return out
}

// Close останавливает таймеры и закрывает pub/sub.
func (m *MemoryBackend) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return m.pubsub.Close()
}
