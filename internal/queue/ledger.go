package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger хранит занятые JobID для дедупликации.
type Ledger interface {
	// Reserve занимает ключ на ttl. false — ключ уже занят.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release освобождает ключ.
	Release(ctx context.Context, key string) error
}

// RedisLedger — Ledger поверх Redis (SET NX PX).
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger создаёт RedisLedger.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, prefix: "navigator:job:"}
}

// NewRedisClient создаёт клиент Redis по URL и проверяет соединение.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Reserve занимает ключ.
func (l *RedisLedger) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve job id %s: %w", key, err)
	}
	return ok, nil
}

// Release освобождает ключ.
func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("release job id %s: %w", key, err)
	}
	return nil
}

// MemoryLedger — Ledger в памяти процесса (локальный режим и тесты).
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryLedger создаёт MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]time.Time), now: time.Now}
}

// Reserve занимает ключ, если он свободен или истёк.
func (l *MemoryLedger) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.entries[key]; ok && now.Before(expires) {
		return false, nil
	}
	l.entries[key] = now.Add(ttl)
	return true, nil
}

// Release освобождает ключ.
func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}
