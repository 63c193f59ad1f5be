package llm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitedClient ограничивает частоту запросов на аккаунт.
// Запрос сверх лимита ждёт свободного токена (или отмены ctx).
type RateLimitedClient struct {
	base  Client
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimitedClient оборачивает клиент. limit <= 0 отключает ограничение.
func NewRateLimitedClient(base Client, limit rate.Limit, burst int) Client {
	if limit <= 0 {
		return base
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{
		base:    base,
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Complete ждёт токен аккаунта и выполняет запрос.
func (c *RateLimitedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiterFor(req.AccountID).Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm rate limit: %w", err)
	}
	return c.base.Complete(ctx, req)
}

func (c *RateLimitedClient) limiterFor(accountID string) *rate.Limiter {
	key := accountID
	if key == "" {
		key = "anonymous"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	limiter, ok := c.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.buckets[key] = limiter
	}
	return limiter
}
