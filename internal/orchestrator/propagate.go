package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/telemetry"
)

// finishNode переводит node в терминальный статус и распространяет завершение.
// Если node уже терминальный, ничего не происходит.
func (o *Orchestrator) finishNode(ctx context.Context, node *domain.Node, status domain.Status, result, errMsg string) error {
	ok, err := o.nodes.Finish(ctx, node.ID, status, result, errMsg)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if !ok {
		return nodeConflict(node.ID, "node already finished")
	}
	telemetry.NodeTransitions.WithLabelValues(string(status)).Inc()

	node.Status, node.Result, node.Error = status, result, errMsg
	node.TriggerWait, node.LockedBy, node.LockedUntil = "", "", nil

	o.logger.Info("node finished",
		"run_id", node.RunID,
		"node_id", node.ID,
		"status", status,
		"error", errMsg,
	)

	return o.propagateCompletion(ctx, node)
}

// stopNode завершает node остановленного run.
func (o *Orchestrator) stopNode(ctx context.Context, node *domain.Node) error {
	err := o.finishNode(ctx, node, domain.StatusError, "", msgNodeStopped)
	if IsStateConflict(err) {
		return nil
	}
	return err
}

// propagateCompletion обрабатывает завершение node.
//
// Корень: статус зеркалируется на run. Не-корень: если у родителя не
// осталось активных детей, родитель переводится waiting_for_children → running.
// Только победитель этого CAS продолжает родителя, поэтому join срабатывает
// один раз, сколько бы детей ни завершилось одновременно.
func (o *Orchestrator) propagateCompletion(ctx context.Context, node *domain.Node) error {
	if node.IsRoot() {
		return o.finishRun(ctx, node)
	}
	return o.tryJoin(ctx, node.RunID, *node.ParentNodeID)
}

// tryJoin продолжает родителя, если все его дети завершены.
func (o *Orchestrator) tryJoin(ctx context.Context, runID, parentID uuid.UUID) error {
	active, err := o.nodes.CountActiveChildren(ctx, parentID)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if active > 0 {
		return nil
	}

	won, err := o.nodes.Transition(ctx, parentID, []domain.Status{domain.StatusWaitingForChildren}, domain.StatusRunning)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if !won {
		return nil
	}
	telemetry.NodeTransitions.WithLabelValues(string(domain.StatusRunning)).Inc()

	parent, err := o.nodes.GetByID(ctx, parentID)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}

	logger := telemetry.WithNodeID(telemetry.WithRunID(o.logger, runID.String()), parentID.String())

	stopped, err := o.isStopped(ctx, runID)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if stopped {
		return o.stopNode(ctx, parent)
	}

	children, err := o.nodes.ListChildren(ctx, parentID)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}

	if msg := failedChildren(children); msg != "" {
		logger.Info("subtasks failed, failing parent")
		return o.finishNode(ctx, parent, domain.StatusError, "", msg)
	}

	logger.Debug("all subtasks finished, resuming parent", "children", len(children))
	return o.enqueueStep(ctx, parent, jobs.JoinJobID(runID, parentID, parent.Steps))
}

// failedChildren описывает детей с ошибкой, чья политика fail_fast.
// Пустая строка — родитель может продолжать.
func failedChildren(children []domain.Node) string {
	var failed []string
	for i := range children {
		c := &children[i]
		if c.Status != domain.StatusError || c.Data.FailurePolicy() != domain.FailurePolicyFailFast {
			continue
		}
		failed = append(failed, fmt.Sprintf("%q: %s", truncate(c.Input, 80), c.Error))
	}
	if len(failed) == 0 {
		return ""
	}
	return fmt.Sprintf("%d of %d subtasks failed: %s", len(failed), len(children), strings.Join(failed, "; "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
