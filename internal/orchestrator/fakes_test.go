package orchestrator

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/navigator/internal/actions"
	"github.com/shaiso/navigator/internal/agent"
	"github.com/shaiso/navigator/internal/browser"
	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/queue"
	"github.com/shaiso/navigator/internal/repo"
)

// memStore — in-memory реализация FlowStore, RunStore, NodeStore и MessageStore
// с теми же условиями переходов, что и SQL в repo.
type memStore struct {
	mu       sync.Mutex
	now      func() time.Time
	flows    map[uuid.UUID]domain.Flow
	runs     map[uuid.UUID]domain.Run
	nodes    map[uuid.UUID]domain.Node
	order    []uuid.UUID
	messages []domain.MessageLog
}

func newMemStore() *memStore {
	return &memStore{
		now:   time.Now,
		flows: make(map[uuid.UUID]domain.Flow),
		runs:  make(map[uuid.UUID]domain.Run),
		nodes: make(map[uuid.UUID]domain.Node),
	}
}

type flowStore struct{ *memStore }
type runStore struct{ *memStore }
type nodeStore struct{ *memStore }
type messageStore struct{ *memStore }

var (
	_ FlowStore    = flowStore{}
	_ RunStore     = runStore{}
	_ NodeStore    = nodeStore{}
	_ MessageStore = messageStore{}
)

func (s *memStore) addFlow(f domain.Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
}

func (s *memStore) run(id uuid.UUID) domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *memStore) node(id uuid.UUID) domain.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[id]
}

func (s *memStore) runNodes(runID uuid.UUID) []domain.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Node
	for _, id := range s.order {
		if n := s.nodes[id]; n.RunID == runID {
			out = append(out, n)
		}
	}
	return out
}

func (s *memStore) root(runID uuid.UUID) domain.Node {
	for _, n := range s.runNodes(runID) {
		if n.IsRoot() {
			return n
		}
	}
	return domain.Node{}
}

func (s *memStore) update(id uuid.UUID, fn func(n *domain.Node)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[id]
	fn(&n)
	s.nodes[id] = n
}

func (s *memStore) insertNode(n domain.Node) {
	s.nodes[n.ID] = n
	s.order = append(s.order, n.ID)
}

// FlowStore

func (s flowStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &f, nil
}

// RunStore

func (s runStore) CreateWithRoot(_ context.Context, run *domain.Run, root *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.IdempotencyKey != "" {
		for _, r := range s.runs {
			if r.FlowID == run.FlowID && r.IdempotencyKey == run.IdempotencyKey {
				return repo.ErrAlreadyExists
			}
		}
	}
	s.runs[run.ID] = *run
	s.insertNode(*root)
	return nil
}

func (s runStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &r, nil
}

func (s runStore) GetByIdempotencyKey(_ context.Context, flowID uuid.UUID, key string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.FlowID == flowID && r.IdempotencyKey == key {
			return &r, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s runStore) Transition(_ context.Context, id uuid.UUID, from []domain.Status, to domain.Status, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || !slices.Contains(from, r.Status) {
		return false, nil
	}
	r.Status = to
	if errMsg != "" {
		r.Error = errMsg
	}
	now := s.now()
	if to == domain.StatusRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if to.IsTerminal() {
		r.FinishedAt = &now
	}
	s.runs[id] = r
	return true, nil
}

func (s runStore) RequestStop(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status.IsTerminal() {
		return false, nil
	}
	r.StopRequested = true
	s.runs[id] = r
	return true, nil
}

func (s runStore) IsStopRequested(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	return r.StopRequested, nil
}

func (s runStore) UpdateData(_ context.Context, id uuid.UUID, data domain.RunData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	r.Data = data
	s.runs[id] = r
	return nil
}

// NodeStore

func (s nodeStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &n, nil
}

func (s nodeStore) GetRoot(_ context.Context, runID uuid.UUID) (*domain.Node, error) {
	n := s.root(runID)
	if n.ID == uuid.Nil {
		return nil, repo.ErrNotFound
	}
	return &n, nil
}

func (s nodeStore) ListByRun(_ context.Context, runID uuid.UUID) ([]domain.Node, error) {
	return s.runNodes(runID), nil
}

func (s nodeStore) ListChildren(_ context.Context, parentID uuid.UUID) ([]domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Node
	for _, id := range s.order {
		n := s.nodes[id]
		if n.ParentNodeID != nil && *n.ParentNodeID == parentID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s nodeStore) Ancestors(_ context.Context, nodeID uuid.UUID) ([]domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Node
	n := s.nodes[nodeID]
	for n.ParentNodeID != nil {
		n = s.nodes[*n.ParentNodeID]
		out = append([]domain.Node{n}, out...)
	}
	return out, nil
}

func (s nodeStore) CountActiveChildren(ctx context.Context, parentID uuid.UUID) (int, error) {
	children, _ := s.ListChildren(ctx, parentID)
	active := 0
	for _, c := range children {
		if !c.IsTerminal() {
			active++
		}
	}
	return active, nil
}

func (s nodeStore) Claim(_ context.Context, id uuid.UUID, owner string, ttl time.Duration, allowed []domain.Status) (*domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	now := s.now()
	if !ok || !slices.Contains(allowed, n.Status) {
		return nil, repo.ErrConflict
	}
	if n.LockedUntil != nil && n.LockedUntil.After(now) {
		return nil, repo.ErrConflict
	}
	until := now.Add(ttl)
	n.Status, n.LockedBy, n.LockedUntil, n.UpdatedAt = domain.StatusRunning, owner, &until, now
	s.nodes[id] = n
	return &n, nil
}

func (s nodeStore) Release(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[id]
	if n.LockedBy == owner {
		n.LockedBy, n.LockedUntil = "", nil
		s.nodes[id] = n
	}
	return nil
}

func (s nodeStore) Transition(_ context.Context, id uuid.UUID, from []domain.Status, to domain.Status) (bool, error) {
	if err := domain.CheckTransition(from, to); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || !slices.Contains(from, n.Status) {
		return false, nil
	}
	n.Status, n.UpdatedAt = to, s.now()
	s.nodes[id] = n
	return true, nil
}

func (s nodeStore) Finish(_ context.Context, id uuid.UUID, status domain.Status, result, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || !slices.Contains(domain.PredecessorsOf(status), n.Status) {
		return false, nil
	}
	n.Status, n.Result, n.Error = status, result, errMsg
	n.TriggerWait, n.LockedBy, n.LockedUntil, n.UpdatedAt = "", "", nil, s.now()
	s.nodes[id] = n
	return true, nil
}

func (s nodeStore) Park(_ context.Context, id uuid.UUID, owner, triggerWait string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.Status != domain.StatusRunning || n.LockedBy != owner {
		return false, nil
	}
	n.Status, n.TriggerWait = domain.StatusWaiting, triggerWait
	n.Steps++
	n.LockedBy, n.LockedUntil, n.UpdatedAt = "", nil, s.now()
	s.nodes[id] = n
	return true, nil
}

func (s nodeStore) Resume(_ context.Context, runID, id uuid.UUID, triggerWait string) (*domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.RunID != runID || n.Status != domain.StatusWaiting || n.TriggerWait != triggerWait {
		return nil, repo.ErrConflict
	}
	n.Status, n.TriggerWait, n.UpdatedAt = domain.StatusRunning, "", s.now()
	s.nodes[id] = n
	return &n, nil
}

func (s nodeStore) Yield(_ context.Context, id uuid.UUID, owner string, step int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.Status != domain.StatusRunning || n.LockedBy != owner || n.Steps != step {
		return false, nil
	}
	n.Steps++
	n.LockedBy, n.LockedUntil, n.UpdatedAt = "", nil, s.now()
	s.nodes[id] = n
	return true, nil
}

func (s nodeStore) Decompose(_ context.Context, parentID uuid.UUID, owner string, children []*domain.Node) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[parentID]
	if !ok || n.Status != domain.StatusRunning || n.LockedBy != owner {
		return false, nil
	}
	n.Status = domain.StatusWaitingForChildren
	n.Steps++
	n.LockedBy, n.LockedUntil, n.UpdatedAt = "", nil, s.now()
	s.nodes[parentID] = n
	for _, c := range children {
		s.insertNode(*c)
	}
	return true, nil
}

func (s nodeStore) StopIdle(_ context.Context, runID uuid.UUID, errMsg string) ([]domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Node
	for _, id := range s.order {
		n := s.nodes[id]
		if n.RunID != runID || !n.Status.IsIdle() {
			continue
		}
		n.Status, n.Error, n.TriggerWait = domain.StatusError, errMsg, ""
		n.LockedBy, n.LockedUntil, n.UpdatedAt = "", nil, s.now()
		s.nodes[id] = n
		out = append(out, n)
	}
	return out, nil
}

func (s nodeStore) ListStalled(_ context.Context, olderThan time.Duration, limit int) ([]domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []domain.Node
	for _, id := range s.order {
		n := s.nodes[id]
		if n.Status != domain.StatusScheduled && n.Status != domain.StatusRunning {
			continue
		}
		if !n.UpdatedAt.Before(now.Add(-olderThan)) {
			continue
		}
		if n.LockedUntil != nil && n.LockedUntil.After(now) {
			continue
		}
		out = append(out, n)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s nodeStore) ListJoinable(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Node, error) {
	s.mu.Lock()
	now := s.now()
	var parents []domain.Node
	for _, id := range s.order {
		n := s.nodes[id]
		if n.Status == domain.StatusWaitingForChildren && n.UpdatedAt.Before(now.Add(-olderThan)) {
			parents = append(parents, n)
		}
	}
	s.mu.Unlock()

	var out []domain.Node
	for _, p := range parents {
		if active, _ := s.CountActiveChildren(ctx, p.ID); active == 0 {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MessageStore

func (s messageStore) Append(_ context.Context, msg *domain.MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *msg)
	return nil
}

func (s messageStore) ListByRun(_ context.Context, runID uuid.UUID, segment domain.Segment) ([]domain.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MessageLog
	for _, m := range s.messages {
		if m.RunID == runID && (segment == "" || m.Segment == segment) {
			out = append(out, m)
		}
	}
	return out, nil
}

// fakeQueue — очередь в памяти с дедупликацией по JobID.
type fakeQueue struct {
	mu      sync.Mutex
	seen    map[string]bool
	pending []*queue.Job
	added   []*queue.Job
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: make(map[string]bool)}
}

func (q *fakeQueue) Add(_ context.Context, name queue.Name, jobName string, data any, opts queue.Options) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.JobID != "" && q.seen[opts.JobID] {
		return false, nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return false, err
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	q.seen[id] = true

	job := &queue.Job{ID: id, Queue: name, Name: jobName, Data: payload, Options: opts, Timestamp: time.Now()}
	q.pending = append(q.pending, job)
	q.added = append(q.added, job)
	return true, nil
}

func (q *fakeQueue) pop() *queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job
}

func (q *fakeQueue) push(job *queue.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, job)
}

func (q *fakeQueue) count(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.added {
		if j.Name == name {
			n++
		}
	}
	return n
}

func (q *fakeQueue) ids() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.added))
	for _, j := range q.added {
		out = append(out, j.ID)
	}
	sort.Strings(out)
	return out
}

// handlerSet собирает обработчики RegisterHandlers.
type handlerSet map[string]queue.Handler

func (h handlerSet) Handle(q queue.Name, name string, fn queue.Handler) {
	h[string(q)+"/"+name] = fn
}

// scripted — агент, решения которого задаются функцией от node.
type scripted struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
	fn    func(req *agent.Request, call int) (*agent.Decision, error)
}

func (s *scripted) agent(code string) agent.Agent {
	return agent.Func{Name: code, Fn: func(_ context.Context, req *agent.Request) (*agent.Decision, error) {
		s.mu.Lock()
		call := s.calls[req.Node.ID]
		s.calls[req.Node.ID] = call + 1
		s.mu.Unlock()
		return s.fn(req, call)
	}}
}

func (s *scripted) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// harness — оркестратор с in-memory зависимостями и синхронной прокачкой очереди.
type harness struct {
	t        *testing.T
	store    *memStore
	queue    *fakeQueue
	agent    *scripted
	actions  *actions.Registry
	orch     *Orchestrator
	handlers handlerSet
	flow     domain.Flow

	// fetches — число выполненных действий fetch.
	fetches atomic.Int32

	// failures — ошибки обработчиков после исчерпания попыток.
	failures []error
}

type harnessOption func(cfg *Config)

func withBrowser(p browser.Provider) harnessOption {
	return func(cfg *Config) { cfg.Browser = p }
}

func withGif(g GifRenderer) harnessOption {
	return func(cfg *Config) { cfg.Gif = g }
}

func withMaxSteps(n int) harnessOption {
	return func(cfg *Config) { cfg.MaxSteps = n }
}

func newHarness(t *testing.T, decide func(req *agent.Request, call int) (*agent.Decision, error), opts ...harnessOption) *harness {
	t.Helper()

	store := newMemStore()
	flow := domain.Flow{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		Task:      "Check the status page",
		Status:    domain.FlowStatusActive,
		Triggers:  []string{domain.EventEvery("deploy").String()},
	}
	store.addFlow(flow)

	sa := &scripted{calls: make(map[uuid.UUID]int), fn: decide}
	agents := agent.NewRegistry()
	agents.Register(sa.agent("navigator"))

	h := &harness{
		t:        t,
		store:    store,
		agent:    sa,
		handlers: handlerSet{},
		flow:     flow,
	}

	acts := actions.NewRegistry()
	acts.Register(actions.KindFetch, actions.ExecutorFunc(func(_ context.Context, _ *browser.Session, a actions.Action) (*actions.Result, error) {
		h.fetches.Add(1)
		return &actions.Result{Output: "HTTP 200\nok", URL: a.URL}, nil
	}))

	q := newFakeQueue()
	cfg := Config{
		Flows:         flowStore{store},
		Runs:          runStore{store},
		Nodes:         nodeStore{store},
		Messages:      messageStore{store},
		Queue:         q,
		Agents:        agents,
		Actions:       acts,
		WorkerID:      "worker-1",
		ActionBackoff: time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	o, err := New(cfg)
	require.NoError(t, err)

	h.queue, h.actions, h.orch = q, acts, o
	o.RegisterHandlers(h.handlers)
	return h
}

// drain обрабатывает job, пока очередь не опустеет.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; h.processOne(); i++ {
		require.Less(h.t, i, 1000, "queue did not settle")
	}
}

// processOne обрабатывает один job. Ошибки повторяются как в queue.Worker:
// до Attempts попыток, Permanent — без повторов.
func (h *harness) processOne() bool {
	h.t.Helper()

	job := h.queue.pop()
	if job == nil {
		return false
	}
	fn, ok := h.handlers[string(job.Queue)+"/"+job.Name]
	require.True(h.t, ok, "no handler for %s/%s", job.Queue, job.Name)

	err := fn(context.Background(), job)
	if err == nil {
		return true
	}
	attempts := job.Options.Attempts
	if attempts <= 0 {
		attempts = defaultJobAttempts
	}
	if queue.IsPermanent(err) || job.Attempt+1 >= attempts {
		h.failures = append(h.failures, err)
		return true
	}
	retry := *job
	retry.Attempt++
	h.queue.push(&retry)
	return true
}

// enqueue добавляет job, как это сделал бы внешний producer.
func (h *harness) enqueue(q queue.Name, name string, payload any, opts queue.Options) {
	h.t.Helper()
	_, err := h.queue.Add(context.Background(), q, name, payload, opts)
	require.NoError(h.t, err)
}

// startRun создаёт run через job create-run и прокачивает очередь.
func (h *harness) startRun(input string) domain.Run {
	h.t.Helper()

	run, err := h.orch.CreateRun(context.Background(), CreateRunRequest{
		UserID:    "user-1",
		AccountID: h.flow.AccountID,
		FlowID:    h.flow.ID,
		Input:     input,
	})
	require.NoError(h.t, err)
	h.drain()
	return h.store.run(run.ID)
}

func (h *harness) messages(runID uuid.UUID, segment domain.Segment) []domain.MessageLog {
	msgs, _ := messageStore{h.store}.ListByRun(context.Background(), runID, segment)
	return msgs
}
