package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/navigator/internal/browser"
)

// WaitExecutor — действие "wait": пауза на Seconds секунд (default: 1).
// Поддерживает отмену через context.
type WaitExecutor struct{}

// Execute выполняет паузу.
func (e *WaitExecutor) Execute(ctx context.Context, _ *browser.Session, a Action) (*Result, error) {
	seconds := a.Seconds
	if seconds <= 0 {
		seconds = 1
	}
	duration := time.Duration(seconds * float64(time.Second))

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &Result{Output: fmt.Sprintf("waited %s", duration)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
