package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/telemetry"
)

const defaultRetention = 24 * time.Hour

// Client — клиент одной именованной очереди.
//
// Клиенты создаются при старте процесса и передаются компонентам явно.
type Client struct {
	name      Name
	backend   Backend
	ledger    Ledger
	repeater  *Repeater
	retention time.Duration
	logger    *slog.Logger
}

// ClientConfig — общие зависимости клиентов.
type ClientConfig struct {
	Backend Backend

	// Ledger — хранилище JobID. Nil отключает дедупликацию.
	Ledger Ledger

	// Repeater — планировщик повторяющихся job. Nil запрещает RepeatEvery.
	Repeater *Repeater

	// Retention — сколько хранится JobID завершённого job (default: 24h).
	Retention time.Duration

	Logger *slog.Logger
}

// NewClient создаёт клиент очереди name.
func NewClient(name Name, cfg ClientConfig) *Client {
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		name:      name,
		backend:   cfg.Backend,
		ledger:    cfg.Ledger,
		repeater:  cfg.Repeater,
		retention: retention,
		logger:    logger.With("queue", name),
	}
}

// Name возвращает имя очереди.
func (c *Client) Name() Name {
	return c.name
}

// Add добавляет job в очередь.
//
// Возвращает false без ошибки, если job с тем же Options.JobID уже существует.
func (c *Client) Add(ctx context.Context, name string, data any, opts Options) (bool, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("marshal %s payload: %w", name, err)
	}

	if opts.RepeatEvery > 0 {
		if c.repeater == nil {
			return false, ErrRepeatUnsupported
		}
		return c.repeater.register(c, name, payload, opts)
	}

	job := &Job{
		ID:        opts.JobID,
		Queue:     c.name,
		Name:      name,
		Data:      payload,
		Options:   opts,
		Timestamp: time.Now(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if opts.JobID != "" && c.ledger != nil {
		ok, err := c.ledger.Reserve(ctx, ledgerKey(c.name, opts.JobID), c.retention)
		if err != nil {
			return false, err
		}
		if !ok {
			telemetry.JobsEnqueued.WithLabelValues(string(c.name), name, telemetry.OutcomeDuplicate).Inc()
			c.logger.Debug("duplicate job id, skipping", "job", name, "job_id", opts.JobID)
			return false, nil
		}
	}

	if err := c.backend.Publish(ctx, job, opts.Delay); err != nil {
		if opts.JobID != "" && c.ledger != nil {
			if relErr := c.ledger.Release(ctx, ledgerKey(c.name, opts.JobID)); relErr != nil {
				c.logger.Warn("failed to release job id", "job_id", opts.JobID, "error", relErr)
			}
		}
		return false, fmt.Errorf("publish %s/%s: %w", c.name, name, err)
	}

	telemetry.JobsEnqueued.WithLabelValues(string(c.name), name, "added").Inc()
	c.logger.Debug("job added", "job", name, "job_id", job.ID, "delay", opts.Delay)

	return true, nil
}

// Registry — набор клиентов всех именованных очередей.
type Registry struct {
	clients map[Name]*Client
}

// NewRegistry создаёт клиентов для всех очередей из Names().
func NewRegistry(cfg ClientConfig) *Registry {
	r := &Registry{clients: make(map[Name]*Client)}
	for _, name := range Names() {
		r.clients[name] = NewClient(name, cfg)
	}
	return r
}

// Client возвращает клиент очереди.
func (r *Registry) Client(name Name) (*Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return c, nil
}

// Add добавляет job в очередь queue.
func (r *Registry) Add(ctx context.Context, queue Name, name string, data any, opts Options) (bool, error) {
	c, err := r.Client(queue)
	if err != nil {
		return false, err
	}
	return c.Add(ctx, name, data, opts)
}

func ledgerKey(queue Name, jobID string) string {
	return string(queue) + ":" + jobID
}
