package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Run(t *testing.T) {
	tabCtx, closeTab := context.WithCancel(context.Background())
	s := NewSession(uuid.New(), tabCtx, closeTab)

	var called bool
	err := s.Run(context.Background(), time.Second, func(ctx context.Context) error {
		called = true
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	closeTab()
	assert.False(t, s.Alive())

	err = s.Run(context.Background(), time.Second, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_RunCancelledByCaller(t *testing.T) {
	tabCtx, closeTab := context.WithCancel(context.Background())
	defer closeTab()
	s := NewSession(uuid.New(), tabCtx, closeTab)

	callCtx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(callCtx, time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrSessionClosed))
}

func TestManager_ReleaseUnknownRun(t *testing.T) {
	m := NewManager(Config{Headless: true})
	defer m.Close()

	assert.NoError(t, m.Release(context.Background(), uuid.New()))
	assert.False(t, m.Healthy(context.Background(), uuid.New()))
}
