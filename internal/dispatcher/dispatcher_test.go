package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/queue"
)

type fakeFlows struct {
	flows []domain.Flow
}

func (f *fakeFlows) ListActiveByTriggers(_ context.Context, accountID uuid.UUID, triggers []string) ([]domain.Flow, error) {
	var out []domain.Flow
	for _, fl := range f.flows {
		if fl.AccountID != accountID || !fl.IsActive() {
			continue
		}
		for _, t := range triggers {
			if slices.Contains(fl.Triggers, t) {
				out = append(out, fl)
				break
			}
		}
	}
	return out, nil
}

type fakeNodes struct {
	nodes []domain.Node
}

func (f *fakeNodes) ListWaitingFor(_ context.Context, triggerWait string) ([]domain.Node, error) {
	var out []domain.Node
	for _, n := range f.nodes {
		if n.TriggerWait == triggerWait {
			out = append(out, n)
		}
	}
	return out, nil
}

type addedJob struct {
	queue   queue.Name
	name    string
	payload any
	opts    queue.Options
}

type fakeQueue struct {
	mu   sync.Mutex
	seen map[string]bool
	jobs []addedJob
	fail func(name string) error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: make(map[string]bool)}
}

func (q *fakeQueue) Add(_ context.Context, name queue.Name, jobName string, data any, opts queue.Options) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		if err := q.fail(jobName); err != nil {
			return false, err
		}
	}
	if q.seen[opts.JobID] {
		return false, nil
	}
	q.seen[opts.JobID] = true
	q.jobs = append(q.jobs, addedJob{queue: name, name: jobName, payload: data, opts: opts})
	return true, nil
}

func (q *fakeQueue) byName(name string) []addedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []addedJob
	for _, j := range q.jobs {
		if j.name == name {
			out = append(out, j)
		}
	}
	return out
}

type registrar struct {
	handlers    map[string]queue.Handler
	concurrency map[queue.Name]int
}

func (r *registrar) Handle(q queue.Name, name string, h queue.Handler) {
	r.handlers[string(q)+"/"+name] = h
}

func (r *registrar) SetConcurrency(q queue.Name, n int) {
	r.concurrency[q] = n
}

type fixture struct {
	account uuid.UUID
	flows   *fakeFlows
	nodes   *fakeNodes
	queue   *fakeQueue
	d       *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	account := uuid.New()
	f := &fixture{
		account: account,
		flows:   &fakeFlows{},
		nodes:   &fakeNodes{},
		queue:   newFakeQueue(),
	}

	d, err := New(Config{Flows: f.flows, Nodes: f.nodes, Queue: f.queue})
	require.NoError(t, err)
	f.d = d
	return f
}

func (f *fixture) addFlow(status domain.FlowStatus, triggers ...string) domain.Flow {
	flow := domain.Flow{ID: uuid.New(), AccountID: f.account, Status: status, Triggers: triggers}
	f.flows.flows = append(f.flows.flows, flow)
	return flow
}

func (f *fixture) addNode(triggerWait string) domain.Node {
	node := domain.Node{ID: uuid.New(), RunID: uuid.New(), Status: domain.StatusWaiting, TriggerWait: triggerWait}
	f.nodes.nodes = append(f.nodes.nodes, node)
	return node
}

func TestProcessEvent_RoutesToFlowsAndNodes(t *testing.T) {
	f := newFixture(t)

	once := f.addFlow(domain.FlowStatusActive, "event.once|invoice-paid|")
	every := f.addFlow(domain.FlowStatusActive, "event.every|invoice-paid|", "event.every|other|")
	f.addFlow(domain.FlowStatusInactive, "event.every|invoice-paid|")
	f.addFlow(domain.FlowStatusActive, "event.every|other|")
	waiting := f.addNode("event.once|invoice-paid|")
	f.addNode("event.once|other|")

	res, err := f.d.ProcessEvent(context.Background(), Event{
		AccountID: f.account,
		UserID:    "user-1",
		EventID:   "invoice-paid",
		Data:      map[string]any{"invoice": "INV-7", "amount": 120.5},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Runs: 2, Resumed: 1}, res)

	creates := f.queue.byName(jobs.NameCreateRun)
	require.Len(t, creates, 2)

	var flowIDs []uuid.UUID
	for _, j := range creates {
		assert.Equal(t, jobs.QueueCreateRun, j.queue)
		p := j.payload.(jobs.CreateRun)
		flowIDs = append(flowIDs, p.FlowID)
		assert.Equal(t, domain.TriggerTypeEvent, p.TriggerType)
		assert.Equal(t, "user-1", p.UserID)
		assert.Equal(t, f.account, p.AccountID)
		assert.Equal(t, "Event invoice-paid received:\n- amount: 120.5\n- invoice: INV-7", p.TriggerInput)
		assert.NoError(t, jobs.Validate(p))
	}
	assert.ElementsMatch(t, []uuid.UUID{once.ID, every.ID}, flowIDs)

	triggers := f.queue.byName(jobs.NameProcessTrigger)
	require.Len(t, triggers, 1)
	p := triggers[0].payload.(jobs.ProcessTrigger)
	assert.Equal(t, waiting.ID, p.NodeID)
	assert.Equal(t, waiting.RunID, p.RunID)
	assert.Equal(t, "event.once|invoice-paid|", p.TriggerWaitID)
	assert.JSONEq(t, `{"invoice": "INV-7", "amount": 120.5}`, string(p.TriggerData))
	assert.Equal(t, jobs.TriggerJobID(waiting.RunID, waiting.ID), triggers[0].opts.JobID)
	assert.True(t, triggers[0].opts.RemoveOnComplete)
}

func TestProcessEvent_RedeliveryCollapses(t *testing.T) {
	f := newFixture(t)
	f.addFlow(domain.FlowStatusActive, "event.every|tick|")
	f.addNode("event.once|tick|")

	ev := Event{AccountID: f.account, EventID: "tick", Data: map[string]any{"n": 1.0}}

	first, err := f.d.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, Result{Runs: 1, Resumed: 1}, first)

	again, err := f.d.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, Result{}, again, "identical delivery enqueues nothing")

	// Другие данные — новое событие для flows; node уже ждёт обработки.
	ev.Data = map[string]any{"n": 2.0}
	next, err := f.d.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, Result{Runs: 1}, next)
}

func TestProcessEvent_NoSubscribers(t *testing.T) {
	f := newFixture(t)

	res, err := f.d.ProcessEvent(context.Background(), Event{AccountID: f.account, EventID: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestProcessEvent_PartialEnqueueFailure(t *testing.T) {
	f := newFixture(t)
	f.addFlow(domain.FlowStatusActive, "event.every|e|")
	f.addNode("event.once|e|")
	f.addNode("event.once|e|")

	f.queue.fail = func(name string) error {
		if name == jobs.NameCreateRun {
			return errors.New("broker unavailable")
		}
		return nil
	}

	res, err := f.d.ProcessEvent(context.Background(), Event{AccountID: f.account, EventID: "e"})
	assert.ErrorIs(t, err, ErrEnqueue)
	assert.Equal(t, 2, res.Resumed, "other targets are still enqueued")
}

func TestHandleProcessEvent(t *testing.T) {
	f := newFixture(t)
	f.addFlow(domain.FlowStatusActive, "event.once|signup|")

	r := &registrar{handlers: map[string]queue.Handler{}, concurrency: map[queue.Name]int{}}
	f.d.RegisterHandlers(r)
	assert.Equal(t, 4, r.concurrency[queue.Integrations])

	handler := r.handlers[string(jobs.QueueProcessEvent)+"/"+jobs.NameProcessEvent]
	require.NotNil(t, handler)

	data, err := json.Marshal(map[string]any{
		"user_id":    "u-1",
		"account_id": f.account,
		"event_id":   "signup",
		"event_data": map[string]any{"email": "a@example.com"},
	})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), &queue.Job{ID: "1", Queue: queue.Integrations, Name: jobs.NameProcessEvent, Data: data}))
	assert.Len(t, f.queue.byName(jobs.NameCreateRun), 1)

	bad := &queue.Job{ID: "2", Queue: queue.Integrations, Name: jobs.NameProcessEvent, Data: json.RawMessage(`{"event_id": "a|b"}`)}
	err = handler(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"no data", nil, "Event e received"},
		{"sorted keys", map[string]any{"b": "2", "a": true}, "Event e received:\n- a: true\n- b: 2"},
		{"nested", map[string]any{"items": []any{"x", 1.0}, "none": nil}, "Event e received:\n- items: [\"x\",1]\n- none: null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Describe("e", tt.data))
		})
	}
}

func TestCreateRunJobID(t *testing.T) {
	flowID := uuid.New()

	a := CreateRunJobID(flowID, "e", []byte(`{"a":1}`))
	assert.Equal(t, a, CreateRunJobID(flowID, "e", []byte(`{"a":1}`)))
	assert.NotEqual(t, a, CreateRunJobID(flowID, "e", []byte(`{"a":2}`)))
	assert.NotEqual(t, a, CreateRunJobID(uuid.New(), "e", []byte(`{"a":1}`)))
	assert.NotContains(t, a, ":", "job ids stay ledger friendly")
}
