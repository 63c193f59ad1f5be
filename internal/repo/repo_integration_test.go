//go:build integration

package repo

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/shaiso/navigator/internal/domain"
)

var postgresContainer *postgres.PostgresContainer

func TestMain(m *testing.M) {
	code := m.Run()

	if postgresContainer != nil {
		_ = postgresContainer.Terminate(context.Background())
	}

	os.Exit(code)
}

// setupTestDB поднимает PostgreSQL в контейнере и применяет миграции.
func setupTestDB(t *testing.T) (*pgxpool.Pool, context.Context) {
	ctx := context.Background()

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error
		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("navigator_test"),
			postgres.WithUsername("navigator"),
			postgres.WithPassword("navigator"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	dsn, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	require.NoError(t, Migrate(ctx, pool, logger))

	_, err = pool.Exec(ctx, "TRUNCATE message_logs, nodes, runs, flows")
	require.NoError(t, err)

	return pool, ctx
}

func seedRun(t *testing.T, ctx context.Context, pool *pgxpool.Pool, idempKey string) (*domain.Flow, *domain.Run, *domain.Node) {
	t.Helper()

	flow := &domain.Flow{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		Task:      "find the cheapest flight",
		Status:    domain.FlowStatusActive,
		Triggers:  []string{"event.once|evt-1|"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, NewFlowRepo(pool).Create(ctx, flow))

	run := &domain.Run{
		ID:             uuid.New(),
		FlowID:         flow.ID,
		AccountID:      flow.AccountID,
		Status:         domain.StatusScheduled,
		IdempotencyKey: idempKey,
		CreatedAt:      time.Now(),
	}
	root := &domain.Node{
		ID:        uuid.New(),
		RunID:     run.ID,
		AgentCode: "navigator",
		Input:     flow.Task,
		Status:    domain.StatusScheduled,
		Data:      domain.NewRootNodeData(""),
		CreatedAt: time.Now(),
	}
	require.NoError(t, NewRunRepo(pool).CreateWithRoot(ctx, run, root))

	return flow, run, root
}

func TestRunRepo_CreateWithRoot_Idempotent(t *testing.T) {
	pool, ctx := setupTestDB(t)
	runs := NewRunRepo(pool)

	flow, run, _ := seedRun(t, ctx, pool, "job-1")

	dup := &domain.Run{
		ID: uuid.New(), FlowID: flow.ID, AccountID: flow.AccountID,
		Status: domain.StatusScheduled, IdempotencyKey: "job-1", CreatedAt: time.Now(),
	}
	dupRoot := &domain.Node{
		ID: uuid.New(), RunID: dup.ID, AgentCode: "navigator", Input: "x",
		Status: domain.StatusScheduled, CreatedAt: time.Now(),
	}
	err := runs.CreateWithRoot(ctx, dup, dupRoot)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	existing, err := runs.GetByIdempotencyKey(ctx, flow.ID, "job-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, existing.ID)

	_, err = NewNodeRepo(pool).GetByID(ctx, dupRoot.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFlowRepo_ListActiveByTriggers(t *testing.T) {
	pool, ctx := setupTestDB(t)
	flows := NewFlowRepo(pool)

	flow, _, _ := seedRun(t, ctx, pool, "")

	got, err := flows.ListActiveByTriggers(ctx, flow.AccountID, []string{"event.once|evt-1|", "event.every|evt-1|"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, flow.ID, got[0].ID)

	got, err = flows.ListActiveByTriggers(ctx, uuid.New(), []string{"event.once|evt-1|"})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, flows.SetStatus(ctx, flow.ID, domain.FlowStatusInactive))
	got, err = flows.ListActiveByTriggers(ctx, flow.AccountID, []string{"event.once|evt-1|"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFlowRepo_ListAndUpdate(t *testing.T) {
	pool, ctx := setupTestDB(t)
	flows := NewFlowRepo(pool)

	flow, _, _ := seedRun(t, ctx, pool, "")

	flow.Task = "find the cheapest train"
	flow.Triggers = append(flow.Triggers, "event.every|price-drop|")
	flow.Metadata.Archived = true
	require.NoError(t, flows.Update(ctx, flow))

	got, err := flows.List(ctx, FlowFilter{AccountID: &flow.AccountID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "find the cheapest train", got[0].Task)
	assert.Len(t, got[0].Triggers, 2)
	assert.True(t, got[0].Metadata.Archived)

	got, err = flows.List(ctx, FlowFilter{AccountID: &flow.AccountID, Status: domain.FlowStatusInactive})
	require.NoError(t, err)
	assert.Empty(t, got)

	flow.Triggers = []string{"not-a-trigger"}
	assert.Error(t, flows.Update(ctx, flow))

	missing := *flow
	missing.ID = uuid.New()
	missing.Triggers = nil
	assert.ErrorIs(t, flows.Update(ctx, &missing), ErrNotFound)
}

func TestNodeRepo_ClaimIsExclusive(t *testing.T) {
	pool, ctx := setupTestDB(t)
	nodes := NewNodeRepo(pool)

	_, _, root := seedRun(t, ctx, pool, "")
	allowed := []domain.Status{domain.StatusScheduled, domain.StatusRunning}

	claimed, err := nodes.Claim(ctx, root.ID, "worker-a", time.Minute, allowed)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, claimed.Status)
	assert.Equal(t, "worker-a", claimed.LockedBy)

	_, err = nodes.Claim(ctx, root.ID, "worker-b", time.Minute, allowed)
	assert.ErrorIs(t, err, ErrConflict)

	// Повторный Claim тем же владельцем тоже отклоняется, пока аренда жива.
	_, err = nodes.Claim(ctx, root.ID, "worker-a", time.Minute, allowed)
	assert.ErrorIs(t, err, ErrConflict)

	ok, err := nodes.Yield(ctx, root.ID, "worker-a", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// Устаревший шаг не проходит.
	_, err = nodes.Claim(ctx, root.ID, "worker-b", time.Minute, allowed)
	require.NoError(t, err)
	ok, err = nodes.Yield(ctx, root.ID, "worker-b", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNodeRepo_DecomposeAndJoin(t *testing.T) {
	pool, ctx := setupTestDB(t)
	nodes := NewNodeRepo(pool)

	_, run, root := seedRun(t, ctx, pool, "")
	_, err := nodes.Claim(ctx, root.ID, "w", time.Minute, []domain.Status{domain.StatusScheduled})
	require.NoError(t, err)

	children := make([]*domain.Node, 3)
	for i := range children {
		children[i] = &domain.Node{
			ID: uuid.New(), RunID: run.ID, ParentNodeID: &root.ID, AgentCode: "navigator",
			Input: "sub", Status: domain.StatusScheduled,
			Data: domain.NewChildNodeData(1, i, ""), CreatedAt: time.Now(),
		}
	}

	ok, err := nodes.Decompose(ctx, root.ID, "w", children)
	require.NoError(t, err)
	require.True(t, ok)

	// Повторная декомпозиция не создаёт дубликатов.
	ok, err = nodes.Decompose(ctx, root.ID, "w", children)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := nodes.CountActiveChildren(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// completed разрешён только из running.
	ok, err = nodes.Finish(ctx, children[0].ID, domain.StatusCompleted, "done", "")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, c := range children {
		_, err := nodes.Claim(ctx, c.ID, "w", time.Minute, []domain.Status{domain.StatusScheduled})
		require.NoError(t, err)
		ok, err := nodes.Finish(ctx, c.ID, domain.StatusCompleted, "done", "")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	count, err = nodes.CountActiveChildren(ctx, root.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Только один переход waiting_for_children → running.
	from := []domain.Status{domain.StatusWaitingForChildren}
	first, err := nodes.Transition(ctx, root.ID, from, domain.StatusRunning)
	require.NoError(t, err)
	second, err := nodes.Transition(ctx, root.ID, from, domain.StatusRunning)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	_, err = nodes.Transition(ctx, root.ID, []domain.Status{domain.StatusRunning}, domain.StatusScheduled)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	all, err := nodes.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	ancestors, err := nodes.Ancestors(ctx, children[0].ID)
	require.NoError(t, err)
	require.Len(t, ancestors, 1)
	assert.Equal(t, root.ID, ancestors[0].ID)
}

func TestNodeRepo_ParkResume(t *testing.T) {
	pool, ctx := setupTestDB(t)
	nodes := NewNodeRepo(pool)

	_, run, root := seedRun(t, ctx, pool, "")
	_, err := nodes.Claim(ctx, root.ID, "w", time.Minute, []domain.Status{domain.StatusScheduled})
	require.NoError(t, err)

	wait := domain.EventOnce("evt-9").String()
	ok, err := nodes.Park(ctx, root.ID, "w", wait)
	require.NoError(t, err)
	require.True(t, ok)

	waiting, err := nodes.ListWaitingFor(ctx, wait)
	require.NoError(t, err)
	require.Len(t, waiting, 1)

	_, err = nodes.Resume(ctx, run.ID, root.ID, "event.once|other|")
	assert.ErrorIs(t, err, ErrConflict)

	// Чужой run не трогает node.
	_, err = nodes.Resume(ctx, uuid.New(), root.ID, wait)
	assert.ErrorIs(t, err, ErrConflict)
	still, err := nodes.GetByID(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, still.Status)

	resumed, err := nodes.Resume(ctx, run.ID, root.ID, wait)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, resumed.Status)
	assert.Empty(t, resumed.TriggerWait)
	assert.Equal(t, 1, resumed.Steps)

	_, err = nodes.Resume(ctx, run.ID, root.ID, wait)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRunRepo_StopAndTransition(t *testing.T) {
	pool, ctx := setupTestDB(t)
	runs := NewRunRepo(pool)
	nodes := NewNodeRepo(pool)

	_, run, root := seedRun(t, ctx, pool, "")

	ok, err := runs.RequestStop(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	stop, err := runs.IsStopRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, stop)

	stopped, err := nodes.StopIdle(ctx, run.ID, "stopped")
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, root.ID, stopped[0].ID)

	ok, err = runs.Transition(ctx, run.ID, []domain.Status{domain.StatusScheduled}, domain.StatusError, "run stopped by user")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, "run stopped by user", got.Error)
	assert.NotNil(t, got.FinishedAt)

	ok, err = runs.RequestStop(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMessageRepo_AppendList(t *testing.T) {
	pool, ctx := setupTestDB(t)
	messages := NewMessageRepo(pool)

	flow, run, root := seedRun(t, ctx, pool, "")

	for i, seg := range []domain.Segment{domain.SegmentAgent, domain.SegmentUser} {
		require.NoError(t, messages.Append(ctx, &domain.MessageLog{
			ID: uuid.New(), FlowID: flow.ID, RunID: run.ID, NodeID: &root.ID,
			Segment: seg, Role: domain.RoleAssistant,
			Blocks:    []domain.ContentBlock{domain.TextBlock("step")},
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	all, err := messages.ListByRun(ctx, run.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	user, err := messages.ListByRun(ctx, run.ID, domain.SegmentUser)
	require.NoError(t, err)
	require.Len(t, user, 1)
	assert.Equal(t, "step", user[0].Text())
}

func TestAdvisoryLock_SingleLeader(t *testing.T) {
	pool, ctx := setupTestDB(t)

	first := NewAdvisoryLock(pool, 777)
	second := NewAdvisoryLock(pool, 777)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "owner keeps the lock")

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Unlock(ctx))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock(ctx))
}
