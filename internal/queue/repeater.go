package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Repeater запускает повторяющиеся job по интервалу (cron "@every").
//
// На каждом тике job добавляется как обычный, с JobID вида
// "repeat:<job>:<key>:<unix тика>", так что два процесса с одинаковой
// регистрацией не создадут дубликатов в пределах одного интервала.
type Repeater struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewRepeater создаёт Repeater.
func NewRepeater(logger *slog.Logger) *Repeater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repeater{
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Start запускает планировщик.
func (r *Repeater) Start() {
	r.cron.Start()
}

// Stop останавливает планировщик и ждёт завершения тиков.
func (r *Repeater) Stop() {
	<-r.cron.Stop().Done()
}

// register добавляет повторение. Повторная регистрация того же job
// с тем же интервалом игнорируется.
func (r *Repeater) register(c *Client, name string, payload json.RawMessage, opts Options) (bool, error) {
	every := opts.RepeatEvery
	key := fmt.Sprintf("%s:%s:%s:%s", c.name, name, opts.JobID, every)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		return false, nil
	}

	id, err := r.cron.AddFunc("@every "+every.String(), func() {
		r.tick(c, name, payload, opts)
	})
	if err != nil {
		return false, fmt.Errorf("schedule %s every %s: %w", name, every, err)
	}

	r.entries[key] = id
	r.logger.Info("repeating job registered", "queue", c.name, "job", name, "every", every)
	return true, nil
}

func (r *Repeater) tick(c *Client, name string, payload json.RawMessage, opts Options) {
	once := opts
	once.RepeatEvery = 0
	once.JobID = fmt.Sprintf("repeat:%s:%s:%d", name, opts.JobID, time.Now().Truncate(opts.RepeatEvery).Unix())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.Add(ctx, name, payload, once); err != nil {
		r.logger.Error("failed to enqueue repeating job", "queue", c.name, "job", name, "error", err)
	}
}
