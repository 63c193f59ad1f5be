package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/repo"
	"github.com/shaiso/navigator/internal/telemetry"
)

// CreateRunRequest — параметры создания run.
type CreateRunRequest struct {
	UserID       string
	AccountID    uuid.UUID
	FlowID       uuid.UUID
	Input        string
	TriggerInput string
	TriggerType  domain.TriggerType

	// IdempotencyKey — ключ повторной доставки (JobID create-run).
	// Пустой ключ — всегда новый run.
	IdempotencyKey string

	// AgentCode — агент корневого node (default: агент реестра по умолчанию).
	AgentCode string

	// FailurePolicy — политика, наследуемая дочерними node.
	FailurePolicy domain.FailurePolicy
}

// nonTerminal — статусы, из которых run или node может завершиться.
var nonTerminal = []domain.Status{
	domain.StatusScheduled,
	domain.StatusRunning,
	domain.StatusWaiting,
	domain.StatusWaitingForChildren,
}

// CreateRun создаёт run со статусом scheduled и корневой node,
// затем ставит в очередь первый шаг корневого node.
//
// Повторный вызов с тем же IdempotencyKey возвращает существующий run.
func (o *Orchestrator) CreateRun(ctx context.Context, req CreateRunRequest) (*domain.Run, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.CreateRun")
	defer span.End()

	flow, err := o.flows.GetByID(ctx, req.FlowID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, req.FlowID)
		}
		return nil, &TransientDependencyError{Dependency: "store", Err: fmt.Errorf("get flow: %w", err)}
	}
	if !flow.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrFlowNotFound, flow.ID, flow.Status)
	}
	if req.AccountID != uuid.Nil && req.AccountID != flow.AccountID {
		return nil, fmt.Errorf("%w: %s does not belong to account %s", ErrFlowNotFound, flow.ID, req.AccountID)
	}

	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = domain.TriggerTypeManual
	}

	now := time.Now().UTC()
	run := &domain.Run{
		ID:        uuid.New(),
		FlowID:    flow.ID,
		AccountID: flow.AccountID,
		Status:    domain.StatusScheduled,
		Data: domain.RunData{
			UserID:       req.UserID,
			Input:        req.Input,
			TriggerType:  triggerType,
			TriggerInput: req.TriggerInput,
		},
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}

	agentCode := req.AgentCode
	if agentCode == "" {
		agentCode = o.agents.Default()
	}

	root := &domain.Node{
		ID:        uuid.New(),
		RunID:     run.ID,
		AgentCode: agentCode,
		Input:     rootInput(flow, req),
		Status:    domain.StatusScheduled,
		Data:      domain.NewRootNodeData(req.FailurePolicy),
		CreatedAt: now,
		UpdatedAt: now,
	}

	logger := telemetry.WithFlowID(o.logger, flow.ID.String())

	err = o.runs.CreateWithRoot(ctx, run, root)
	if errors.Is(err, repo.ErrAlreadyExists) {
		existing, err := o.runs.GetByIdempotencyKey(ctx, flow.ID, req.IdempotencyKey)
		if err != nil {
			return nil, &TransientDependencyError{Dependency: "store", Err: fmt.Errorf("get existing run: %w", err)}
		}
		logger.Debug("run already created", "run_id", existing.ID, "idempotency_key", req.IdempotencyKey)
		return existing, o.ensureRootScheduled(ctx, existing)
	}
	if err != nil {
		telemetry.SetError(span, err)
		return nil, &TransientDependencyError{Dependency: "store", Err: fmt.Errorf("create run: %w", err)}
	}

	logger.Info("run created",
		"run_id", run.ID,
		"root_node_id", root.ID,
		"trigger_type", triggerType,
	)

	if err := o.enqueueStep(ctx, root, jobs.StepJobID(run.ID, root.ID, 0)); err != nil {
		return run, err
	}
	return run, nil
}

// ensureRootScheduled повторно ставит первый шаг корня, если run создан,
// но job первого шага мог быть потерян. Дубликат отсекается JobID.
func (o *Orchestrator) ensureRootScheduled(ctx context.Context, run *domain.Run) error {
	if run.Status != domain.StatusScheduled {
		return nil
	}
	root, err := o.nodes.GetRoot(ctx, run.ID)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: fmt.Errorf("get root: %w", err)}
	}
	if root.Status != domain.StatusScheduled || root.Steps != 0 {
		return nil
	}
	return o.enqueueStep(ctx, root, jobs.StepJobID(run.ID, root.ID, 0))
}

// rootInput выбирает задачу корневого node:
// описание события, затем ввод пользователя, затем задача flow.
func rootInput(flow *domain.Flow, req CreateRunRequest) string {
	switch {
	case req.TriggerInput != "":
		return req.TriggerInput
	case req.Input != "":
		return req.Input
	default:
		return flow.Task
	}
}

// StopRun останавливает run.
//
// Выставляет кооперативный флаг, сразу завершает простаивающие node
// (scheduled, waiting) и переводит run в error. Выполняющиеся node
// останавливаются на границе следующего шага.
func (o *Orchestrator) StopRun(ctx context.Context, runID uuid.UUID) error {
	logger := telemetry.WithRunID(o.logger, runID.String())

	ok, err := o.runs.RequestStop(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if !ok {
		return runConflict(runID, "run already finished")
	}
	o.stopped.Add(runID, struct{}{})

	finished, err := o.runs.Transition(ctx, runID, nonTerminal, domain.StatusError, msgRunStopped)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if finished {
		telemetry.RunsFinished.WithLabelValues(string(domain.StatusError)).Inc()
	}

	idle, err := o.nodes.StopIdle(ctx, runID, msgNodeStopped)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	for i := range idle {
		telemetry.NodeTransitions.WithLabelValues(string(domain.StatusError)).Inc()
		if err := o.propagateCompletion(ctx, &idle[i]); err != nil {
			logger.Warn("failed to propagate stopped node", "node_id", idle[i].ID, "error", err)
		}
	}

	o.releaseBrowser(ctx, runID)

	logger.Info("run stopped", "idle_nodes_stopped", len(idle))
	return nil
}

// finishRun зеркалирует терминальный статус корневого node на run
// и освобождает браузерную сессию run.
func (o *Orchestrator) finishRun(ctx context.Context, root *domain.Node) error {
	defer o.releaseBrowser(ctx, root.RunID)

	logger := telemetry.WithRunID(o.logger, root.RunID.String())

	ok, err := o.runs.Transition(ctx, root.RunID, nonTerminal, root.Status, root.Error)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: fmt.Errorf("finish run: %w", err)}
	}
	if !ok {
		logger.Debug("run already finished", "root_status", root.Status)
		return nil
	}
	telemetry.RunsFinished.WithLabelValues(string(root.Status)).Inc()

	if root.Result != "" {
		run, err := o.runs.GetByID(ctx, root.RunID)
		if err == nil {
			run.Data.Summary = root.Result
			err = o.runs.UpdateData(ctx, run.ID, run.Data)
		}
		if err != nil {
			logger.Warn("failed to store run summary", "error", err)
		}
	}

	logger.Info("run finished", "status", root.Status, "error", root.Error)
	return nil
}

// releaseBrowser освобождает сессию run. Вызывается на всех путях завершения.
func (o *Orchestrator) releaseBrowser(ctx context.Context, runID uuid.UUID) {
	if o.browser == nil {
		return
	}
	if err := o.browser.Release(context.WithoutCancel(ctx), runID); err != nil {
		o.logger.Warn("failed to release browser session", "run_id", runID, "error", err)
	}
}

// CreateGif собирает GIF из скриншотов run и сохраняет ссылку в private_data.
// Разрешено и для завершённых runs.
func (o *Orchestrator) CreateGif(ctx context.Context, runID uuid.UUID) error {
	logger := telemetry.WithRunID(o.logger, runID.String())

	if o.gif == nil {
		logger.Info("gif renderer not configured, skipping")
		return nil
	}

	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return &TransientDependencyError{Dependency: "store", Err: err}
	}

	msgs, err := o.messages.ListByRun(ctx, runID, domain.SegmentAgent)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}

	var frames []domain.ContentBlock
	for _, m := range msgs {
		for _, b := range m.Blocks {
			if b.Type == domain.BlockImage {
				frames = append(frames, b)
			}
		}
	}
	if len(frames) == 0 {
		logger.Info("run has no screenshots, skipping gif")
		return nil
	}

	url, err := o.gif.Render(ctx, run, frames)
	if err != nil {
		return &TransientDependencyError{Dependency: "gif renderer", Err: err}
	}

	run.Data.GifURL = url
	if err := o.runs.UpdateData(ctx, run.ID, run.Data); err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}

	logger.Info("gif created", "frames", len(frames), "url", url)
	return nil
}

// ReportedStatus возвращает статус run для API и UI.
//
// Нетерминальный run, у которого node ждёт ответа пользователя,
// сообщается как ask_user_for_input.
func ReportedStatus(run *domain.Run, nodes []domain.Node) string {
	if run.Status.IsTerminal() {
		return string(run.Status)
	}
	for i := range nodes {
		n := &nodes[i]
		if n.Status != domain.StatusWaiting || n.TriggerWait == "" {
			continue
		}
		t, err := domain.ParseTrigger(n.TriggerWait)
		if err == nil && t.Kind == domain.TriggerUserInput {
			return domain.ReportedStatusAskUserForInput
		}
	}
	return string(run.Status)
}
