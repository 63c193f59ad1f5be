package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/queue"
	"github.com/shaiso/navigator/internal/repo"
)

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?flow_id=...&status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{}

	// Парсим query параметры
	if flowIDStr := r.URL.Query().Get("flow_id"); flowIDStr != "" {
		flowID, err := uuid.Parse(flowIDStr)
		if err != nil {
			BadRequest(w, "invalid flow_id")
			return
		}
		filter.FlowID = &flowID
	}

	if s := r.URL.Query().Get("status"); s != "" {
		status, err := domain.ParseStatus(s)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		filter.Status = status
	}

	var ok bool
	if filter.Limit, filter.Offset, ok = pagination(w, r); !ok {
		return
	}

	runs, err := h.runs.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run, nil)
	}

	List(w, result, len(result))
}

// CreateRun ставит в очередь создание run для flow.
// Run создаёт orchestrator; клиент получает JobID и находит по нему run.
// POST /api/v1/flows/{id}/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	flowID, ok := pathID(w, r, "id", "flow")
	if !ok {
		return
	}

	var req CreateRunRequest
	if !h.decode(w, r, &req) {
		return
	}

	flow, err := h.flows.GetByID(r.Context(), flowID)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	if !flow.IsActive() {
		InvalidState(w, "flow is not active")
		return
	}

	jobID := req.IdempotencyKey
	if jobID == "" {
		jobID = "api-" + uuid.NewString()
	}

	payload := jobs.CreateRun{
		UserID:      req.UserID,
		AccountID:   flow.AccountID,
		FlowID:      flow.ID,
		Input:       req.Input,
		TriggerType: domain.TriggerTypeManual,
	}
	h.enqueue(w, r, jobs.QueueCreateRun, jobs.NameCreateRun, payload, queue.Options{JobID: jobID},
		JobResponse{FlowID: &flow.ID})
}

// GetRunByJob возвращает run, созданный job create-run.
// GET /api/v1/flows/{id}/jobs/{jobId}/run
func (h *Handler) GetRunByJob(w http.ResponseWriter, r *http.Request) {
	flowID, ok := pathID(w, r, "id", "flow")
	if !ok {
		return
	}

	run, err := h.runs.GetByIdempotencyKey(r.Context(), flowID, r.PathValue("jobId"))
	if HandleRepoError(w, h.logger, err, "run not created yet") {
		return
	}

	Success(w, RunFromDomain(*run, nil))
}

// GetRun возвращает run с деревом node.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, nodes, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	Success(w, RunFromDomain(*run, nodes))
}

// ListRunMessages возвращает журнал сообщений run.
// GET /api/v1/runs/{id}/messages?segment=agent|user
func (h *Handler) ListRunMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "run")
	if !ok {
		return
	}

	segment := domain.Segment(r.URL.Query().Get("segment"))
	switch segment {
	case "", domain.SegmentAgent, domain.SegmentUser:
	default:
		BadRequest(w, "invalid segment")
		return
	}

	if _, err := h.runs.GetByID(r.Context(), id); HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	msgs, err := h.messages.ListByRun(r.Context(), id, segment)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		result[i] = MessageFromDomain(m)
	}

	List(w, result, len(result))
}

// StopRun ставит в очередь остановку run.
// POST /api/v1/runs/{id}/stop
func (h *Handler) StopRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "run")
	if !ok {
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}
	if run.IsFinished() {
		InvalidState(w, "run is already finished")
		return
	}

	h.enqueue(w, r, jobs.QueueStopRun, jobs.NameStopRun, jobs.StopRun{RunID: run.ID},
		queue.Options{JobID: jobs.StopJobID(run.ID)}, JobResponse{RunID: &run.ID})
}

// SendUserInput передаёт ответ пользователя node, ожидающему ввода.
// POST /api/v1/runs/{id}/input
func (h *Handler) SendUserInput(w http.ResponseWriter, r *http.Request) {
	var req UserInputRequest
	run, nodes, ok := h.loadRun(w, r)
	if !ok || !h.decode(w, r, &req) {
		return
	}
	if run.IsFinished() {
		InvalidState(w, "run is already finished")
		return
	}

	var waiting []domain.Node
	for _, n := range nodes {
		if n.Status != domain.StatusWaiting || n.TriggerWait != domain.UserInput(n.ID).String() {
			continue
		}
		if req.NodeID == nil || *req.NodeID == n.ID {
			waiting = append(waiting, n)
		}
	}

	switch {
	case len(waiting) == 0:
		InvalidState(w, "run is not waiting for user input")
		return
	case len(waiting) > 1:
		BadRequest(w, "node_id is required: several nodes wait for input")
		return
	}

	node := waiting[0]
	payload := jobs.UserInput{
		RunID:  run.ID,
		NodeID: node.ID,
		UserID: req.UserID,
		Input:  req.Input,
	}
	h.enqueue(w, r, jobs.QueueUserInput, jobs.NameUserInput, payload,
		queue.Options{JobID: jobs.UserInputJobID(run.ID, node.ID, node.Steps)}, JobResponse{RunID: &run.ID})
}

// CreateGif ставит в очередь сборку GIF из скриншотов run.
// POST /api/v1/runs/{id}/gif
func (h *Handler) CreateGif(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "run")
	if !ok {
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	payload := jobs.CreateGif{FlowID: run.FlowID, RunID: run.ID, AccountID: run.AccountID}
	h.enqueue(w, r, jobs.QueueCreateGif, jobs.NameCreateGif, payload,
		jobs.GifOptions(run.ID), JobResponse{RunID: &run.ID})
}

// loadRun читает run из пути запроса вместе с его node.
func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request) (*domain.Run, []domain.Node, bool) {
	id, ok := pathID(w, r, "id", "run")
	if !ok {
		return nil, nil, false
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return nil, nil, false
	}

	nodes, err := h.nodes.ListByRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return nil, nil, false
	}

	return run, nodes, true
}

// enqueue ставит job в очередь и отвечает 202.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, q queue.Name, name string, payload any, opts queue.Options, resp JobResponse) {
	if err := jobs.Validate(payload); err != nil {
		ValidationFailed(w, err)
		return
	}

	added, err := h.queue.Add(r.Context(), q, name, payload, opts)
	if err != nil {
		QueueUnavailable(w, h.logger, err)
		return
	}

	resp.JobID = opts.JobID
	resp.Name = name
	resp.Queued = added
	Accepted(w, resp)
}
