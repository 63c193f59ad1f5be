package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/repo"
	"github.com/shaiso/navigator/internal/telemetry"
)

// ResumeRequest — возобновление node, ждущего trigger_wait.
type ResumeRequest struct {
	RunID  uuid.UUID
	NodeID uuid.UUID

	// Trigger — trigger-выражение, которого ждёт node.
	Trigger domain.Trigger

	// Text — ответ пользователя или описание события для агента.
	Text string
}

// ResumeNode переводит node waiting → running, если он всё ещё ждёт Trigger,
// записывает ответ в журнал и ставит в очередь следующий шаг.
// Повторная доставка даёт StateConflictError.
func (o *Orchestrator) ResumeNode(ctx context.Context, req ResumeRequest) error {
	logger := telemetry.WithNodeID(telemetry.WithRunID(o.logger, req.RunID.String()), req.NodeID.String())

	stopped, err := o.isStopped(ctx, req.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, req.RunID)
		}
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	if stopped {
		return runConflict(req.RunID, "run stopped")
	}

	node, err := o.nodes.Resume(ctx, req.RunID, req.NodeID, req.Trigger.String())
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nodeConflict(req.NodeID, fmt.Sprintf("node of run %s is not waiting for %s", req.RunID, req.Trigger))
		}
		return &TransientDependencyError{Dependency: "store", Err: err}
	}
	telemetry.NodeTransitions.WithLabelValues(string(domain.StatusRunning)).Inc()

	run, err := o.runs.GetByID(ctx, node.RunID)
	if err != nil {
		return &TransientDependencyError{Dependency: "store", Err: err}
	}

	if req.Trigger.Kind == domain.TriggerUserInput {
		o.appendMessage(ctx, run, &node.ID, domain.SegmentUser, domain.RoleUser, domain.TextBlock(req.Text))
	} else {
		text := fmt.Sprintf("Event %s received", req.Trigger.ID)
		if req.Text != "" {
			text += ":\n" + req.Text
		}
		o.appendMessage(ctx, run, &node.ID, domain.SegmentAgent, domain.RoleUser, domain.TextBlock(text))
	}

	if node.IsRoot() {
		if _, err := o.runs.Transition(ctx, run.ID, []domain.Status{domain.StatusWaiting}, domain.StatusRunning, ""); err != nil {
			return &TransientDependencyError{Dependency: "store", Err: err}
		}
	}

	logger.Info("node resumed", "trigger", req.Trigger.String())
	return o.enqueueStep(ctx, node, jobs.StepJobID(node.RunID, node.ID, node.Steps))
}

// triggerFromWaitID разбирает triggerWaitId job process-trigger:
// полное выражение или только id события (event.once).
func triggerFromWaitID(id string) domain.Trigger {
	if t, err := domain.ParseTrigger(id); err == nil {
		return t
	}
	return domain.EventOnce(id)
}

// describeTriggerData превращает данные события в текст для агента.
func describeTriggerData(data json.RawMessage) string {
	if len(data) == 0 || string(data) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data)
	}
	return string(pretty)
}
