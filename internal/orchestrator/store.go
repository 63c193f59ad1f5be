package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/repo"
)

// FlowStore — чтение flows.
type FlowStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Flow, error)
}

// RunStore — хранилище runs.
type RunStore interface {
	CreateWithRoot(ctx context.Context, run *domain.Run, root *domain.Node) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetByIdempotencyKey(ctx context.Context, flowID uuid.UUID, key string) (*domain.Run, error)
	Transition(ctx context.Context, id uuid.UUID, from []domain.Status, to domain.Status, errMsg string) (bool, error)
	RequestStop(ctx context.Context, id uuid.UUID) (bool, error)
	IsStopRequested(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateData(ctx context.Context, id uuid.UUID, data domain.RunData) error
}

// NodeStore — хранилище node. Все переходы статусов — CAS.
type NodeStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Node, error)
	GetRoot(ctx context.Context, runID uuid.UUID) (*domain.Node, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Node, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]domain.Node, error)
	Ancestors(ctx context.Context, nodeID uuid.UUID) ([]domain.Node, error)
	CountActiveChildren(ctx context.Context, parentID uuid.UUID) (int, error)

	Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration, allowed []domain.Status) (*domain.Node, error)
	Release(ctx context.Context, id uuid.UUID, owner string) error
	Transition(ctx context.Context, id uuid.UUID, from []domain.Status, to domain.Status) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, status domain.Status, result, errMsg string) (bool, error)
	Park(ctx context.Context, id uuid.UUID, owner, triggerWait string) (bool, error)
	Resume(ctx context.Context, runID, id uuid.UUID, triggerWait string) (*domain.Node, error)
	Yield(ctx context.Context, id uuid.UUID, owner string, step int) (bool, error)
	Decompose(ctx context.Context, parentID uuid.UUID, owner string, children []*domain.Node) (bool, error)
	StopIdle(ctx context.Context, runID uuid.UUID, errMsg string) ([]domain.Node, error)

	ListStalled(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Node, error)
	ListJoinable(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Node, error)
}

// MessageStore — журнал сообщений run.
type MessageStore interface {
	Append(ctx context.Context, msg *domain.MessageLog) error
	ListByRun(ctx context.Context, runID uuid.UUID, segment domain.Segment) ([]domain.MessageLog, error)
}

var (
	_ FlowStore    = (*repo.FlowRepo)(nil)
	_ RunStore     = (*repo.RunRepo)(nil)
	_ NodeStore    = (*repo.NodeRepo)(nil)
	_ MessageStore = (*repo.MessageRepo)(nil)
)
