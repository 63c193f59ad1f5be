package api

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/queue"
	"github.com/shaiso/navigator/internal/repo"
)

// FlowStore — операции с flows, нужные API.
type FlowStore interface {
	Create(ctx context.Context, flow *domain.Flow) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Flow, error)
	List(ctx context.Context, filter repo.FlowFilter) ([]domain.Flow, error)
	Update(ctx context.Context, flow *domain.Flow) error
}

// RunStore — чтение runs.
type RunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetByIdempotencyKey(ctx context.Context, flowID uuid.UUID, key string) (*domain.Run, error)
	List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error)
}

// NodeStore — чтение дерева node.
type NodeStore interface {
	ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Node, error)
}

// MessageStore — чтение журнала сообщений.
type MessageStore interface {
	ListByRun(ctx context.Context, runID uuid.UUID, segment domain.Segment) ([]domain.MessageLog, error)
}

var (
	_ FlowStore    = (*repo.FlowRepo)(nil)
	_ RunStore     = (*repo.RunRepo)(nil)
	_ NodeStore    = (*repo.NodeRepo)(nil)
	_ MessageStore = (*repo.MessageRepo)(nil)
)

// Handler — главный обработчик API с зависимостями.
//
// API только читает состояние и ставит job в очереди:
// все изменения runs и node выполняют orchestrator и dispatcher.
type Handler struct {
	flows    FlowStore
	runs     RunStore
	nodes    NodeStore
	messages MessageStore
	queue    queue.Enqueuer
	validate *validator.Validate
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Flows    FlowStore
	Runs     RunStore
	Nodes    NodeStore
	Messages MessageStore
	Queue    queue.Enqueuer
	Logger   *slog.Logger
}

// ErrMissingDependency — в Config не передана обязательная зависимость.
var ErrMissingDependency = errors.New("api: missing dependency")

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Flows == nil || cfg.Runs == nil || cfg.Nodes == nil || cfg.Messages == nil || cfg.Queue == nil {
		return nil, ErrMissingDependency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	return &Handler{
		flows:    cfg.Flows,
		runs:     cfg.Runs,
		nodes:    cfg.Nodes,
		messages: cfg.Messages,
		queue:    cfg.Queue,
		validate: validate,
		logger:   logger,
	}, nil
}
