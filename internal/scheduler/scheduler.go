package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/navigator/internal/queue"
)

// ErrMissingDependency — в Config не передана обязательная зависимость.
var ErrMissingDependency = errors.New("scheduler: missing dependency")

// Locker — блокировка лидера (repo.AdvisoryLock).
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Runner — планировщик тиков (queue.Repeater).
type Runner interface {
	Start()
	Stop()
}

// Job — повторяющийся служебный job.
type Job struct {
	Queue   queue.Name
	Name    string
	Payload any
	Every   time.Duration
}

// Scheduler — лидер, регистрирующий повторяющиеся job.
//
// Из нескольких процессов job регистрирует только владелец блокировки.
// Остальные ждут и пробуют взять её каждые Retry.
type Scheduler struct {
	lock     Locker
	queue    queue.Enqueuer
	repeater Runner
	jobs     []Job
	retry    time.Duration
	logger   *slog.Logger
}

// Config — конфигурация Scheduler.
type Config struct {
	Lock     Locker
	Queue    queue.Enqueuer
	Repeater Runner
	Jobs     []Job
	Retry    time.Duration // интервал попыток взять блокировку (default: 5s)
	Logger   *slog.Logger
}

// New создаёт новый Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Lock == nil || cfg.Queue == nil || cfg.Repeater == nil {
		return nil, ErrMissingDependency
	}

	retry := cfg.Retry
	if retry <= 0 {
		retry = 5 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		lock:     cfg.Lock,
		queue:    cfg.Queue,
		repeater: cfg.Repeater,
		jobs:     cfg.Jobs,
		retry:    retry,
		logger:   logger,
	}, nil
}

// Run ждёт лидерства, регистрирует job и держит их до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.waitLeadership(ctx); err != nil {
		return err
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.lock.Unlock(unlockCtx); err != nil {
			s.logger.Warn("failed to release leader lock", "error", err)
		}
	}()

	if err := s.register(ctx); err != nil {
		return err
	}

	s.repeater.Start()
	defer s.repeater.Stop()
	s.logger.Info("scheduler is leader", "jobs", len(s.jobs))

	tk := time.NewTicker(s.retry)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			// Потерянное соединение означает потерю блокировки.
			ok, err := s.lock.TryLock(ctx)
			if err != nil && ctx.Err() != nil {
				return nil
			}
			if err != nil || !ok {
				return fmt.Errorf("leadership lost: %v", err)
			}
		}
	}
}

func (s *Scheduler) waitLeadership(ctx context.Context) error {
	tk := time.NewTicker(s.retry)
	defer tk.Stop()

	for {
		ok, err := s.lock.TryLock(ctx)
		switch {
		case err != nil:
			s.logger.Warn("leader lock attempt failed", "error", err)
		case ok:
			return nil
		default:
			s.logger.Debug("another scheduler is leader")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
		}
	}
}

func (s *Scheduler) register(ctx context.Context) error {
	for _, job := range s.jobs {
		if job.Every <= 0 {
			return fmt.Errorf("job %s: interval must be positive", job.Name)
		}

		_, err := s.queue.Add(ctx, job.Queue, job.Name, job.Payload, queue.Options{
			JobID:       job.Name,
			RepeatEvery: job.Every,
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", job.Name, err)
		}
	}
	return nil
}
