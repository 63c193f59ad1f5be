package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shaiso/navigator/internal/actions"
	"github.com/shaiso/navigator/internal/agent"
	"github.com/shaiso/navigator/internal/browser"
	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/queue"
)

// Default configuration values.
const (
	defaultLeaseTTL      = 5 * time.Minute
	defaultMaxSteps      = 50
	defaultActionRetries = 2
	defaultActionBackoff = time.Second
	defaultJobAttempts   = 3
	defaultStopCacheSize = 4096
	defaultStalledAfter  = 10 * time.Minute
	defaultRecoveryBatch = 100
)

// GifRenderer собирает GIF из скриншотов run и возвращает ссылку на него.
type GifRenderer interface {
	Render(ctx context.Context, run *domain.Run, frames []domain.ContentBlock) (string, error)
}

// Orchestrator управляет выполнением runs.
//
// Orchestrator не хранит состояние runs в памяти: каждый job читает
// актуальное состояние из БД и меняет его условными переходами.
// Единственный кэш — множество остановленных runs (остановка необратима).
type Orchestrator struct {
	// Repositories
	flows    FlowStore
	runs     RunStore
	nodes    NodeStore
	messages MessageStore

	// Queue
	queue queue.Enqueuer

	// Collaborators
	agents  *agent.Registry
	browser browser.Provider
	actions *actions.Registry
	gif     GifRenderer

	// Stopped runs
	stopped *lru.Cache[uuid.UUID, struct{}]

	// Configuration
	workerID      string
	leaseTTL      time.Duration
	maxSteps      int
	actionRetries uint64
	actionBackoff time.Duration
	jobAttempts   int
	stalledAfter  time.Duration
	recoveryBatch int

	logger *slog.Logger
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Repositories
	Flows    FlowStore
	Runs     RunStore
	Nodes    NodeStore
	Messages MessageStore

	// Queue — клиенты именованных очередей.
	Queue queue.Enqueuer

	// Agents — агенты по agent_code.
	Agents *agent.Registry

	// Browser — провайдер браузерных сессий (nil — только действия без браузера).
	Browser browser.Provider

	// Actions — исполнители действий (default: actions.NewDefaultRegistry).
	Actions *actions.Registry

	// Gif — генератор GIF (nil — create-gif только логируется).
	Gif GifRenderer

	// WorkerID — префикс владельца аренды node (default: hostname-pid).
	WorkerID string

	LeaseTTL      time.Duration // аренда node на один шаг (default: 5m)
	MaxSteps      int           // лимит шагов одного node (default: 50)
	ActionRetries uint64        // повторы действия и получения браузера (default: 2)
	ActionBackoff time.Duration // начальная задержка повторов (default: 1s)
	JobAttempts   int           // попыток job по умолчанию, как у queue.Worker (default: 3)
	StopCacheSize int           // размер кэша остановленных runs (default: 4096)
	StalledAfter  time.Duration // возраст зависшего node для восстановления (default: 10m)
	RecoveryBatch int           // node за один проход восстановления (default: 100)

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Flows == nil || cfg.Runs == nil || cfg.Nodes == nil || cfg.Messages == nil {
		return nil, fmt.Errorf("orchestrator: stores are required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("orchestrator: queue is required")
	}
	if cfg.Agents == nil {
		return nil, fmt.Errorf("orchestrator: agent registry is required")
	}

	if cfg.Actions == nil {
		cfg.Actions = actions.NewDefaultRegistry(actions.Config{})
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.ActionRetries == 0 {
		cfg.ActionRetries = defaultActionRetries
	}
	if cfg.ActionBackoff <= 0 {
		cfg.ActionBackoff = defaultActionBackoff
	}
	if cfg.JobAttempts <= 0 {
		cfg.JobAttempts = defaultJobAttempts
	}
	if cfg.StopCacheSize <= 0 {
		cfg.StopCacheSize = defaultStopCacheSize
	}
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = defaultStalledAfter
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = defaultRecoveryBatch
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stopped, err := lru.New[uuid.UUID, struct{}](cfg.StopCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create stop cache: %w", err)
	}

	return &Orchestrator{
		flows:         cfg.Flows,
		runs:          cfg.Runs,
		nodes:         cfg.Nodes,
		messages:      cfg.Messages,
		queue:         cfg.Queue,
		agents:        cfg.Agents,
		browser:       cfg.Browser,
		actions:       cfg.Actions,
		gif:           cfg.Gif,
		stopped:       stopped,
		workerID:      cfg.WorkerID,
		leaseTTL:      cfg.LeaseTTL,
		maxSteps:      cfg.MaxSteps,
		actionRetries: cfg.ActionRetries,
		actionBackoff: cfg.ActionBackoff,
		jobAttempts:   cfg.JobAttempts,
		stalledAfter:  cfg.StalledAfter,
		recoveryBatch: cfg.RecoveryBatch,
		logger:        logger,
	}, nil
}

// leaseToken возвращает владельца аренды для одного шага:
// workerID и уникальный суффикс.
func (o *Orchestrator) leaseToken() string {
	return o.workerID + "/" + uuid.NewString()
}

// isStopped проверяет флаг остановки run.
// Положительный ответ кэшируется: остановку нельзя отменить.
func (o *Orchestrator) isStopped(ctx context.Context, runID uuid.UUID) (bool, error) {
	if o.stopped.Contains(runID) {
		return true, nil
	}

	stop, err := o.runs.IsStopRequested(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("check stop flag: %w", err)
	}
	if stop {
		o.stopped.Add(runID, struct{}{})
	}
	return stop, nil
}

// appendMessage пишет запись в журнал сообщений run.
// Ошибка записи логируется: к этому моменту побочный эффект уже выполнен,
// и повтор job повторил бы его.
func (o *Orchestrator) appendMessage(ctx context.Context, run *domain.Run, nodeID *uuid.UUID, segment domain.Segment, role string, blocks ...domain.ContentBlock) {
	msg := &domain.MessageLog{
		ID:        uuid.New(),
		FlowID:    run.FlowID,
		RunID:     run.ID,
		NodeID:    nodeID,
		Segment:   segment,
		Role:      role,
		Blocks:    blocks,
		CreatedAt: time.Now(),
	}
	if err := o.messages.Append(ctx, msg); err != nil {
		o.logger.Warn("failed to append message",
			"run_id", run.ID,
			"segment", segment,
			"error", err,
		)
	}
}

// enqueueStep ставит в очередь шаг node.Steps.
func (o *Orchestrator) enqueueStep(ctx context.Context, node *domain.Node, jobID string) error {
	payload := jobs.AdvanceNode{RunID: node.RunID, NodeID: node.ID, Step: node.Steps}
	_, err := o.queue.Add(ctx, jobs.QueueAdvanceNode, jobs.NameAdvanceNode, payload, queue.Options{JobID: jobID})
	if err != nil {
		return &TransientDependencyError{Dependency: "queue", Err: fmt.Errorf("enqueue step of node %s: %w", node.ID, err)}
	}
	return nil
}
