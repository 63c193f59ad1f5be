package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/queue"
)

type fakeLock struct {
	mu       sync.Mutex
	grants   []bool // ответы TryLock по порядку, дальше повторяется последний
	calls    int
	unlocked bool
}

func (l *fakeLock) TryLock(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.calls
	if i >= len(l.grants) {
		i = len(l.grants) - 1
	}
	l.calls++
	return l.grants[i], nil
}

func (l *fakeLock) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocked = true
	return nil
}

type fakeRunner struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (r *fakeRunner) Start() { r.mu.Lock(); r.started = true; r.mu.Unlock() }
func (r *fakeRunner) Stop()  { r.mu.Lock(); r.stopped = true; r.mu.Unlock() }

type addCall struct {
	queue queue.Name
	name  string
	opts  queue.Options
}

type fakeQueue struct {
	mu    sync.Mutex
	calls []addCall
	err   error
}

func (q *fakeQueue) Add(_ context.Context, name queue.Name, job string, _ any, opts queue.Options) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	q.calls = append(q.calls, addCall{queue: name, name: job, opts: opts})
	return true, nil
}

func recoverJob() Job {
	return Job{
		Queue:   jobs.QueueRecoverStalled,
		Name:    jobs.NameRecoverStalled,
		Payload: jobs.RecoverStalled{},
		Every:   time.Minute,
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{Queue: &fakeQueue{}, Repeater: &fakeRunner{}})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestRun_LeaderRegistersJobs(t *testing.T) {
	lock := &fakeLock{grants: []bool{false, true}}
	q := &fakeQueue{}
	runner := &fakeRunner{}

	s, err := New(Config{Lock: lock, Queue: q, Repeater: runner, Jobs: []Job{recoverJob()}, Retry: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.started
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	require.Len(t, q.calls, 1)
	assert.Equal(t, jobs.QueueRecoverStalled, q.calls[0].queue)
	assert.Equal(t, jobs.NameRecoverStalled, q.calls[0].name)
	assert.Equal(t, time.Minute, q.calls[0].opts.RepeatEvery)
	assert.True(t, runner.stopped)
	assert.True(t, lock.unlocked)
}

func TestRun_NotLeaderUntilCancel(t *testing.T) {
	lock := &fakeLock{grants: []bool{false}}
	q := &fakeQueue{}
	runner := &fakeRunner{}

	s, err := New(Config{Lock: lock, Queue: q, Repeater: runner, Jobs: []Job{recoverJob()}, Retry: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, q.calls)
	assert.False(t, runner.started)
}

func TestRun_LeadershipLost(t *testing.T) {
	lock := &fakeLock{grants: []bool{true, false}}
	runner := &fakeRunner{}

	s, err := New(Config{Lock: lock, Queue: &fakeQueue{}, Repeater: runner, Retry: time.Millisecond})
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.ErrorContains(t, err, "leadership lost")
	assert.True(t, runner.stopped)
}

func TestRun_RegisterFailure(t *testing.T) {
	lock := &fakeLock{grants: []bool{true}}
	q := &fakeQueue{err: errors.New("repeat unsupported")}
	runner := &fakeRunner{}

	s, err := New(Config{Lock: lock, Queue: q, Repeater: runner, Jobs: []Job{recoverJob()}})
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.ErrorContains(t, err, "register recover-stalled")
	assert.False(t, runner.started)
	assert.True(t, lock.unlocked)
}
