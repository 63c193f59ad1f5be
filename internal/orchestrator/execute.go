package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/actions"
	"github.com/shaiso/navigator/internal/browser"
)

// retryPolicy — бюджет повторов действий и получения браузера.
func (o *Orchestrator) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.actionBackoff
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, o.actionRetries), ctx)
}

// acquireBrowser получает сессию run с бюджетом повторов.
// Исчерпание бюджета — FatalNodeError.
func (o *Orchestrator) acquireBrowser(ctx context.Context, runID uuid.UUID) (*browser.Session, error) {
	if o.browser == nil {
		return nil, &FatalNodeError{Reason: "browser provider is not configured"}
	}

	sess, err := backoff.RetryNotifyWithData(func() (*browser.Session, error) {
		return o.browser.Acquire(ctx, runID)
	}, o.retryPolicy(ctx), func(err error, next time.Duration) {
		o.logger.Warn("browser acquire failed, retrying", "run_id", runID, "error", err, "next_attempt_in", next)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FatalNodeError{Reason: "browser session unavailable", Err: err}
	}
	return sess, nil
}

// executeAction выполняет действие с бюджетом повторов.
//
// Закрытая сессия пересоздаётся один раз за попытку. Невалидное действие
// не повторяется. Ошибки получения браузера — FatalNodeError, остальные
// ошибки возвращаются как есть и показываются агенту.
func (o *Orchestrator) executeAction(ctx context.Context, runID uuid.UUID, action actions.Action) (*actions.Result, error) {
	var sess *browser.Session
	if action.NeedsBrowser() {
		var err error
		sess, err = o.acquireBrowser(ctx, runID)
		if err != nil {
			return nil, err
		}
	}

	op := func() (*actions.Result, error) {
		if sess != nil && !sess.Alive() {
			_ = o.browser.Release(ctx, runID)
			fresh, err := o.browser.Acquire(ctx, runID)
			if err != nil {
				return nil, backoff.Permanent(&FatalNodeError{Reason: "browser session lost", Err: err})
			}
			sess = fresh
		}

		res, err := o.actions.Execute(ctx, sess, action)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, actions.ErrInvalidAction), errors.Is(err, actions.ErrUnknownAction):
			return nil, backoff.Permanent(err)
		case errors.Is(err, actions.ErrNoSession):
			return nil, backoff.Permanent(&FatalNodeError{Reason: "browser session required", Err: err})
		default:
			return nil, err
		}
	}

	return backoff.RetryNotifyWithData(op, o.retryPolicy(ctx), func(err error, next time.Duration) {
		o.logger.Warn("action failed, retrying",
			"run_id", runID,
			"action", action.String(),
			"error", err,
			"next_attempt_in", next,
		)
	})
}
