package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/queue"
)

// Registrar — регистрация обработчиков job (queue.Worker).
type Registrar interface {
	Handle(queue queue.Name, name string, h queue.Handler)
}

var _ Registrar = (*queue.Worker)(nil)

// RegisterHandlers регистрирует обработчики всех job оркестратора.
func (o *Orchestrator) RegisterHandlers(r Registrar) {
	r.Handle(jobs.QueueCreateRun, jobs.NameCreateRun, o.handleCreateRun)
	r.Handle(jobs.QueueStopRun, jobs.NameStopRun, o.handleStopRun)
	r.Handle(jobs.QueueAdvanceNode, jobs.NameAdvanceNode, o.handleAdvanceNode)
	r.Handle(jobs.QueueProcessTrigger, jobs.NameProcessTrigger, o.handleProcessTrigger)
	r.Handle(jobs.QueueUserInput, jobs.NameUserInput, o.handleUserInput)
	r.Handle(jobs.QueueCreateGif, jobs.NameCreateGif, o.handleCreateGif)
	r.Handle(jobs.QueueRecoverStalled, jobs.NameRecoverStalled, o.handleRecoverStalled)
}

// handleCreateRun обрабатывает flow:create-run.
// Ключ идемпотентности run — ID job, поэтому повторная доставка
// не создаёт второй run.
func (o *Orchestrator) handleCreateRun(ctx context.Context, job *queue.Job) error {
	var p jobs.CreateRun
	if err := jobs.Decode(job, &p); err != nil {
		return o.outcome(ctx, job, &ValidationError{Job: job.Name, Err: err})
	}

	_, err := o.CreateRun(ctx, CreateRunRequest{
		UserID:         p.UserID,
		AccountID:      p.AccountID,
		FlowID:         p.FlowID,
		Input:          p.Input,
		TriggerInput:   p.TriggerInput,
		TriggerType:    p.TriggerType,
		IdempotencyKey: job.ID,
	})
	return o.outcome(ctx, job, err)
}

// handleStopRun обрабатывает flow:stop-run.
func (o *Orchestrator) handleStopRun(ctx context.Context, job *queue.Job) error {
	var p jobs.StopRun
	if err := jobs.Decode(job, &p); err != nil {
		return o.outcome(ctx, job, &ValidationError{Job: job.Name, Err: err})
	}
	return o.outcome(ctx, job, o.StopRun(ctx, p.RunID))
}

// handleAdvanceNode обрабатывает agent:advance-node.
func (o *Orchestrator) handleAdvanceNode(ctx context.Context, job *queue.Job) error {
	var p jobs.AdvanceNode
	if err := jobs.Decode(job, &p); err != nil {
		return o.outcome(ctx, job, &ValidationError{Job: job.Name, Err: err})
	}

	attempts := job.Options.Attempts
	if attempts <= 0 {
		attempts = o.jobAttempts
	}

	err := o.AdvanceNode(ctx, AdvanceRequest{
		RunID:       p.RunID,
		NodeID:      p.NodeID,
		Step:        p.Step,
		LastAttempt: job.Attempt+1 >= attempts,
	})
	return o.outcome(ctx, job, err)
}

// handleProcessTrigger обрабатывает agent:process-trigger.
func (o *Orchestrator) handleProcessTrigger(ctx context.Context, job *queue.Job) error {
	var p jobs.ProcessTrigger
	if err := jobs.Decode(job, &p); err != nil {
		return o.outcome(ctx, job, &ValidationError{Job: job.Name, Err: err})
	}

	err := o.ResumeNode(ctx, ResumeRequest{
		RunID:   p.RunID,
		NodeID:  p.NodeID,
		Trigger: triggerFromWaitID(p.TriggerWaitID),
		Text:    describeTriggerData(p.TriggerData),
	})
	return o.outcome(ctx, job, err)
}

// handleUserInput обрабатывает agent:user-input.
func (o *Orchestrator) handleUserInput(ctx context.Context, job *queue.Job) error {
	var p jobs.UserInput
	if err := jobs.Decode(job, &p); err != nil {
		return o.outcome(ctx, job, &ValidationError{Job: job.Name, Err: err})
	}

	err := o.ResumeNode(ctx, ResumeRequest{
		RunID:   p.RunID,
		NodeID:  p.NodeID,
		Trigger: domain.UserInput(p.NodeID),
		Text:    p.Input,
	})
	return o.outcome(ctx, job, err)
}

// handleCreateGif обрабатывает agent:create-gif.
func (o *Orchestrator) handleCreateGif(ctx context.Context, job *queue.Job) error {
	var p jobs.CreateGif
	if err := jobs.Decode(job, &p); err != nil {
		return o.outcome(ctx, job, &ValidationError{Job: job.Name, Err: err})
	}
	return o.outcome(ctx, job, o.CreateGif(ctx, p.RunID))
}

// handleRecoverStalled обрабатывает base:recover-stalled.
func (o *Orchestrator) handleRecoverStalled(ctx context.Context, job *queue.Job) error {
	var p jobs.RecoverStalled
	if len(job.Data) > 0 {
		if err := jobs.Decode(job, &p); err != nil {
			return o.outcome(ctx, job, &ValidationError{Job: job.Name, Err: err})
		}
	}
	_, err := o.RecoverStalled(ctx, p.Limit)
	return o.outcome(ctx, job, err)
}

// outcome переводит ошибку оркестратора в результат job:
//   - StateConflictError — успех (повторная или устаревшая доставка)
//   - ValidationError и отсутствующие сущности — без повторов
//   - остальное — повтор очередью
func (o *Orchestrator) outcome(_ context.Context, job *queue.Job, err error) error {
	if err == nil {
		return nil
	}

	logger := o.logger.With(slog.String("job", job.Name), slog.String("job_id", job.ID))

	switch {
	case IsStateConflict(err):
		logger.Debug("job skipped", "reason", err.Error())
		return nil
	case IsValidation(err),
		errors.Is(err, ErrFlowNotFound),
		errors.Is(err, ErrRunNotFound),
		errors.Is(err, ErrNodeNotFound):
		logger.Warn("job rejected", "error", err)
		return queue.Permanent(err)
	default:
		return err
	}
}
