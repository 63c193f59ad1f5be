package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shaiso/navigator/internal/telemetry"
)

// Default configuration values.
const (
	defaultAttempts    = 3
	defaultBackoff     = time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultConcurrency = 1
)

// Worker получает job из очередей и передаёт их зарегистрированным обработчикам.
//
// Ошибка обработчика приводит к повторной публикации job с экспоненциальной
// задержкой. После исчерпания попыток (или при Permanent ошибке) job
// уходит в dead-letter.
type Worker struct {
	backend Backend
	ledger  Ledger

	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration

	mu          sync.RWMutex
	handlers    map[Name]map[string]Handler
	concurrency map[Name]int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// WorkerConfig — конфигурация Worker.
type WorkerConfig struct {
	Backend Backend

	// Ledger — тот же, что у клиентов; нужен для RemoveOnComplete/RemoveOnFail.
	Ledger Ledger

	Attempts   int           // попыток по умолчанию (default: 3)
	Backoff    time.Duration // начальная задержка retry (default: 1s)
	MaxBackoff time.Duration // максимальная задержка retry (default: 30s)

	Logger *slog.Logger
}

// NewWorker создаёт Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	initial := cfg.Backoff
	if initial <= 0 {
		initial = defaultBackoff
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		backend:     cfg.Backend,
		ledger:      cfg.Ledger,
		attempts:    attempts,
		backoff:     initial,
		maxBackoff:  maxBackoff,
		handlers:    make(map[Name]map[string]Handler),
		concurrency: make(map[Name]int),
		logger:      logger,
	}
}

// Handle регистрирует обработчик job name в очереди queue.
func (w *Worker) Handle(queue Name, name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.handlers[queue] == nil {
		w.handlers[queue] = make(map[string]Handler)
	}
	w.handlers[queue][name] = h
}

// SetConcurrency задаёт количество параллельных job очереди.
func (w *Worker) SetConcurrency(queue Name, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.concurrency[queue] = n
}

// Start запускает потребление всех очередей, для которых есть обработчики.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.mu.RLock()
	defer w.mu.RUnlock()

	for queue := range w.handlers {
		n := w.concurrency[queue]
		if n <= 0 {
			n = defaultConcurrency
		}

		w.logger.Info("consuming queue", "queue", queue, "concurrency", n)

		w.wg.Add(1)
		go func(queue Name, n int) {
			defer w.wg.Done()
			if err := w.backend.Consume(ctx, queue, n, w.Process); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("queue consumer error", "queue", queue, "error", err)
			}
		}(queue, n)
	}

	return nil
}

// Stop останавливает потребление и ждёт завершения текущих job.
func (w *Worker) Stop() {
	w.logger.Info("stopping queue worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	w.wg.Wait()

	w.logger.Info("queue worker stopped")
}

// Process обрабатывает один job.
//
// Возвращает ошибку только при сбое инфраструктуры (повторная публикация
// не удалась); в этом случае транспорт должен вернуть job в очередь.
func (w *Worker) Process(ctx context.Context, job *Job) error {
	logger := w.logger.With("queue", job.Queue, "job", job.Name, "job_id", job.ID, "attempt", job.Attempt)

	w.mu.RLock()
	h := w.handlers[job.Queue][job.Name]
	w.mu.RUnlock()

	if h == nil {
		logger.Error("no handler registered for job")
		w.deadLetter(ctx, logger, job, ErrNoHandler)
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "queue."+job.Name,
		attribute.String(telemetry.AttrQueue, string(job.Queue)),
		attribute.String(telemetry.AttrJob, job.Name),
		attribute.String(telemetry.AttrJobID, job.ID),
		attribute.Int(telemetry.AttrAttempt, job.Attempt),
	)
	defer span.End()

	ctx = telemetry.WithLogger(ctx, logger)

	start := time.Now()
	err := h(ctx, job)
	telemetry.JobDuration.WithLabelValues(string(job.Queue), job.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		telemetry.JobsProcessed.WithLabelValues(string(job.Queue), job.Name, telemetry.OutcomeCompleted).Inc()
		if job.Options.RemoveOnComplete {
			w.release(ctx, logger, job)
		}
		return nil
	}

	telemetry.SetError(span, err)

	attempts := job.Options.Attempts
	if attempts <= 0 {
		attempts = w.attempts
	}

	if IsPermanent(err) || job.Attempt+1 >= attempts {
		logger.Error("job failed", "error", err, "permanent", IsPermanent(err))
		w.deadLetter(ctx, logger, job, err)
		return nil
	}

	delay := w.retryDelay(job)
	retry := *job
	retry.Attempt++

	logger.Warn("job failed, retrying", "error", err, "delay", delay)

	if pubErr := w.backend.Publish(ctx, &retry, delay); pubErr != nil {
		return pubErr
	}

	telemetry.JobsProcessed.WithLabelValues(string(job.Queue), job.Name, telemetry.OutcomeRetried).Inc()
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, logger *slog.Logger, job *Job, cause error) {
	telemetry.JobsProcessed.WithLabelValues(string(job.Queue), job.Name, telemetry.OutcomeFailed).Inc()

	if err := w.backend.DeadLetter(ctx, job, cause.Error()); err != nil {
		logger.Error("failed to dead-letter job", "error", err)
	}
	if job.Options.RemoveOnFail {
		w.release(ctx, logger, job)
	}
}

func (w *Worker) release(ctx context.Context, logger *slog.Logger, job *Job) {
	if job.Options.JobID == "" || w.ledger == nil {
		return
	}
	if err := w.ledger.Release(ctx, ledgerKey(job.Queue, job.Options.JobID)); err != nil {
		logger.Warn("failed to release job id", "error", err)
	}
}

// retryDelay вычисляет задержку перед следующей попыткой:
// backoff * 2^attempt, не больше maxBackoff.
func (w *Worker) retryDelay(job *Job) time.Duration {
	initial := job.Options.Backoff
	if initial <= 0 {
		initial = w.backoff
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(initial, w.maxBackoff)
	b.MaxInterval = w.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < job.Attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
