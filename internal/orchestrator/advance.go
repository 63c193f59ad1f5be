package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shaiso/navigator/internal/agent"
	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/llm"
	"github.com/shaiso/navigator/internal/repo"
	"github.com/shaiso/navigator/internal/telemetry"
)

// AdvanceRequest — один шаг node.
type AdvanceRequest struct {
	RunID  uuid.UUID
	NodeID uuid.UUID

	// Step — ожидаемое значение nodes.steps.
	Step int

	// LastAttempt — последняя попытка job: временная ошибка решения
	// переводит node в error вместо повтора.
	LastAttempt bool
}

// claimable — статусы, из которых node можно продвинуть.
var claimable = []domain.Status{domain.StatusScheduled, domain.StatusRunning}

// AdvanceNode выполняет один шаг решения node.
//
// Терминальный node, устаревший Step или аренда у другого исполнителя
// дают StateConflictError (повторная доставка, no-op). Флаг остановки
// проверяется до вызова агента и перед каждым побочным эффектом.
func (o *Orchestrator) AdvanceNode(ctx context.Context, req AdvanceRequest) error {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.AdvanceNode",
		attribute.String(telemetry.AttrRunID, req.RunID.String()),
		attribute.String(telemetry.AttrNodeID, req.NodeID.String()),
		attribute.Int("navigator.step", req.Step),
	)
	defer span.End()

	err := o.advance(ctx, req)
	if err != nil && !IsStateConflict(err) {
		telemetry.SetError(span, err)
	}
	return err
}

func (o *Orchestrator) advance(ctx context.Context, req AdvanceRequest) error {
	logger := telemetry.WithNodeID(telemetry.WithRunID(o.logger, req.RunID.String()), req.NodeID.String())

	node, err := o.nodes.GetByID(ctx, req.NodeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, req.NodeID)
		}
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if node.RunID != req.RunID {
		return fmt.Errorf("%w: %s does not belong to run %s", ErrNodeNotFound, node.ID, req.RunID)
	}
	if node.IsTerminal() {
		return nodeConflict(node.ID, "node already "+string(node.Status))
	}
	if node.Steps != req.Step {
		return nodeConflict(node.ID, fmt.Sprintf("stale step %d, node is at %d", req.Step, node.Steps))
	}

	stopped, err := o.isStopped(ctx, node.RunID)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if stopped {
		logger.Info("run stopped, stopping node")
		return o.stopNode(ctx, node)
	}

	lease := o.leaseToken()
	claimed, err := o.nodes.Claim(ctx, node.ID, lease, o.leaseTTL, claimable)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nodeConflict(node.ID, "node is not claimable")
		}
		return &TransientDependencyError{Dependency: "store", Err: err}
	}

	s := &step{o: o, node: claimed, lease: lease, logger: logger, held: true}
	defer s.releaseIfHeld(ctx)

	if claimed.Steps != req.Step {
		return nodeConflict(node.ID, "node advanced concurrently")
	}
	if node.Status == domain.StatusScheduled {
		telemetry.NodeTransitions.WithLabelValues(string(domain.StatusRunning)).Inc()
	}

	run, err := o.runs.GetByID(ctx, claimed.RunID)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	s.run = run

	if claimed.IsRoot() {
		if _, err := o.runs.Transition(ctx, run.ID, []domain.Status{domain.StatusScheduled, domain.StatusWaiting}, domain.StatusRunning, ""); err != nil {
			return &TransientDependencyError{Dependency: "store", Err: err}
		}
	}

	if claimed.Steps >= o.maxSteps {
		return s.fail(ctx, fmt.Sprintf("step limit of %d reached", o.maxSteps))
	}

	decision, err := s.decide(ctx)
	if err != nil {
		return s.handleDecisionError(ctx, err, req.LastAttempt)
	}

	logger.Debug("decision received", "tool", decision.Tool, "step", claimed.Steps)

	// LLM-вызов мог длиться долго: перед побочными эффектами проверяем флаг снова.
	stopped, err = o.isStopped(ctx, run.ID)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if stopped {
		logger.Info("run stopped during decision, stopping node")
		s.held = false
		return o.stopNode(ctx, claimed)
	}

	return s.apply(ctx, decision)
}

// step — состояние одного шага node, выполняемого под арендой.
type step struct {
	o      *Orchestrator
	run    *domain.Run
	node   *domain.Node
	logger *slog.Logger

	// lease — владелец аренды этого шага.
	lease string

	// held — аренда ещё у нас; снимается при выходе без перехода статуса.
	held bool
}

func (s *step) releaseIfHeld(ctx context.Context) {
	if !s.held {
		return
	}
	if err := s.o.nodes.Release(context.WithoutCancel(ctx), s.node.ID, s.lease); err != nil {
		s.logger.Warn("failed to release node lease", "error", err)
	}
}

// decide собирает контекст решения и вызывает агента node.
func (s *step) decide(ctx context.Context) (*agent.Decision, error) {
	a, err := s.o.agents.Get(s.node.AgentCode)
	if err != nil {
		return nil, err
	}

	flow, err := s.o.flows.GetByID(ctx, s.run.FlowID)
	if err != nil {
		return nil, &TransientDependencyError{Dependency: "store", Err: err}
	}
	ancestors, err := s.o.nodes.Ancestors(ctx, s.node.ID)
	if err != nil {
		return nil, &TransientDependencyError{Dependency: "store", Err: err}
	}
	children, err := s.o.nodes.ListChildren(ctx, s.node.ID)
	if err != nil {
		return nil, &TransientDependencyError{Dependency: "store", Err: err}
	}
	messages, err := s.o.messages.ListByRun(ctx, s.run.ID, "")
	if err != nil {
		return nil, &TransientDependencyError{Dependency: "store", Err: err}
	}

	d, err := a.Decide(ctx, &agent.Request{
		Flow:      flow,
		Run:       s.run,
		Node:      s.node,
		Ancestors: ancestors,
		Children:  children,
		Messages:  messages,
		MaxSteps:  s.o.maxSteps,
	})
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// handleDecisionError классифицирует ошибку агента.
func (s *step) handleDecisionError(ctx context.Context, err error, lastAttempt bool) error {
	var noAgent *agent.NoAgentError
	switch {
	case IsTransient(err):
		return err
	case errors.As(err, &noAgent):
		return s.fail(ctx, err.Error())
	case agent.IsInvalid(err):
		return s.fail(ctx, "agent returned an invalid decision: "+err.Error())
	case llm.IsTransient(err) && !lastAttempt:
		s.logger.Warn("decision service unavailable, will retry", "error", err)
		return &TransientDependencyError{Dependency: "decision service", Err: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return s.fail(ctx, "decision service failed: "+err.Error())
	}
}

// fail переводит node в error и распространяет ошибку.
func (s *step) fail(ctx context.Context, msg string) error {
	s.held = false
	err := s.o.finishNode(ctx, s.node, domain.StatusError, "", msg)
	if IsStateConflict(err) {
		return nil
	}
	return err
}

// complete переводит node в completed и распространяет завершение.
func (s *step) complete(ctx context.Context, result string) error {
	s.held = false
	err := s.o.finishNode(ctx, s.node, domain.StatusCompleted, result, "")
	if IsStateConflict(err) {
		return nil
	}
	return err
}

// apply выполняет решение агента.
func (s *step) apply(ctx context.Context, d *agent.Decision) error {
	switch d.Tool {
	case agent.ToolDoAction:
		return s.doAction(ctx, d)
	case agent.ToolSkipSection, agent.ToolActionCompleted:
		s.appendAgent(ctx, d.Thought, d.Summary())
		return s.complete(ctx, d.Reason)
	case agent.ToolCreateSubtasks:
		return s.createSubtasks(ctx, d)
	case agent.ToolAskUserForInput:
		return s.park(ctx, d, domain.UserInput(s.node.ID))
	case agent.ToolTriggerWait:
		return s.park(ctx, d, domain.EventOnce(d.EventID))
	default:
		return s.fail(ctx, fmt.Sprintf("unknown decision tool %q", d.Tool))
	}
}

func (s *step) doAction(ctx context.Context, d *agent.Decision) error {
	action := *d.Action

	result, err := s.o.executeAction(ctx, s.run.ID, action)
	if err != nil {
		if IsFatal(err) {
			s.appendAgent(ctx, d.Thought, fmt.Sprintf("%s failed: %v", action, err))
			return s.fail(ctx, err.Error())
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		// Ошибка действия не завершает node: агент увидит её на следующем шаге.
		s.logger.Info("action failed", "action", action.String(), "error", err)
		s.appendAgent(ctx, d.Thought, fmt.Sprintf("%s failed: %v", action, err))
		return s.yield(ctx)
	}

	blocks := []domain.ContentBlock{}
	if d.Thought != "" {
		blocks = append(blocks, domain.TextBlock(d.Thought))
	}
	text := d.Summary()
	if result.Output != "" {
		text += "\n" + result.Output
	}
	blocks = append(blocks, domain.TextBlock(text))
	if len(result.Screenshot) > 0 {
		blocks = append(blocks, domain.ImageBlock(base64.StdEncoding.EncodeToString(result.Screenshot), "image/png"))
	}
	s.o.appendMessage(ctx, s.run, &s.node.ID, domain.SegmentAgent, domain.RoleAssistant, blocks...)

	if d.Completed {
		out := result.Output
		if out == "" {
			out = d.Summary()
		}
		return s.complete(ctx, out)
	}
	return s.yield(ctx)
}

// yield завершает шаг и ставит в очередь следующий.
func (s *step) yield(ctx context.Context) error {
	ok, err := s.o.nodes.Yield(ctx, s.node.ID, s.lease, s.node.Steps)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if !ok {
		return nodeConflict(s.node.ID, "lost lease before yield")
	}
	s.held = false
	s.node.Steps++

	return s.o.enqueueStep(ctx, s.node, jobs.StepJobID(s.node.RunID, s.node.ID, s.node.Steps))
}

func (s *step) createSubtasks(ctx context.Context, d *agent.Decision) error {
	policy := d.FailurePolicy
	if policy == "" {
		policy = s.node.Data.FailurePolicy()
	}

	level := s.node.Data.ThreadLevel() + 1
	now := time.Now().UTC()
	parentID := s.node.ID

	children := make([]*domain.Node, 0, len(d.Subtasks))
	for i, sub := range d.Subtasks {
		code := sub.AgentCode
		if code == "" {
			code = s.node.AgentCode
		}
		children = append(children, &domain.Node{
			ID:           uuid.New(),
			RunID:        s.node.RunID,
			ParentNodeID: &parentID,
			AgentCode:    code,
			Input:        sub.Input,
			Status:       domain.StatusScheduled,
			Data:         domain.NewChildNodeData(level, i, policy),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	ok, err := s.o.nodes.Decompose(ctx, s.node.ID, s.lease, children)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if !ok {
		return nodeConflict(s.node.ID, "lost lease before decomposition")
	}
	s.held = false
	telemetry.NodeTransitions.WithLabelValues(string(domain.StatusWaitingForChildren)).Inc()

	s.appendAgent(ctx, d.Thought, d.Summary())
	s.logger.Info("node decomposed", "children", len(children), "thread_level", level)

	var errs []error
	for _, child := range children {
		if err := s.o.enqueueStep(ctx, child, jobs.StepJobID(child.RunID, child.ID, 0)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// park переводит node в waiting до события или ответа пользователя.
func (s *step) park(ctx context.Context, d *agent.Decision, trigger domain.Trigger) error {
	ok, err := s.o.nodes.Park(ctx, s.node.ID, s.lease, trigger.String())
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if !ok {
		return nodeConflict(s.node.ID, "lost lease before parking")
	}
	s.held = false
	telemetry.NodeTransitions.WithLabelValues(string(domain.StatusWaiting)).Inc()

	if d.Tool == agent.ToolAskUserForInput {
		s.o.appendMessage(ctx, s.run, &s.node.ID, domain.SegmentUser, domain.RoleAssistant, domain.TextBlock(d.Question))
	} else {
		s.appendAgent(ctx, d.Thought, d.Summary())
	}

	if s.node.IsRoot() {
		if _, err := s.o.runs.Transition(ctx, s.run.ID, []domain.Status{domain.StatusRunning}, domain.StatusWaiting, ""); err != nil {
			return &TransientDependencyError{Dependency: "store", Err: err}
		}
	}

	s.logger.Info("node waiting", "trigger_wait", trigger.String())
	return nil
}

func (s *step) appendAgent(ctx context.Context, thought, summary string) {
	var blocks []domain.ContentBlock
	if thought != "" {
		blocks = append(blocks, domain.TextBlock(thought))
	}
	blocks = append(blocks, domain.TextBlock(summary))
	s.o.appendMessage(ctx, s.run, &s.node.ID, domain.SegmentAgent, domain.RoleAssistant, blocks...)
}
