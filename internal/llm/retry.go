package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig — параметры повторов.
type RetryConfig struct {
	MaxRetries      uint64        // default: 3
	InitialInterval time.Duration // default: 1s
	MaxInterval     time.Duration // default: 20s
}

// RetryingClient повторяет временные ошибки (429, 5xx, таймауты)
// с экспоненциальной задержкой. Остальные ошибки возвращаются сразу.
type RetryingClient struct {
	base   Client
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetryingClient оборачивает клиент.
func NewRetryingClient(base Client, cfg RetryConfig, logger *slog.Logger) *RetryingClient {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingClient{base: base, cfg: cfg, logger: logger}
}

// Complete выполняет запрос с повторами.
func (c *RetryingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)

	op := func() (*Response, error) {
		resp, err := c.base.Complete(ctx, req)
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("llm call failed, retrying", "error", err, "next_attempt_in", next)
	}

	return backoff.RetryNotifyWithData(op, policy, notify)
}
