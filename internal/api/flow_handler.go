package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/repo"
)

// ListFlows возвращает flows с фильтрацией.
// GET /api/v1/flows?account_id=&status=&limit=&offset=
func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.FlowFilter{Status: domain.FlowStatus(q.Get("status"))}

	if v := q.Get("account_id"); v != "" {
		accountID, err := uuid.Parse(v)
		if err != nil {
			BadRequest(w, "invalid account_id")
			return
		}
		filter.AccountID = &accountID
	}

	var ok bool
	if filter.Limit, filter.Offset, ok = pagination(w, r); !ok {
		return
	}

	flows, err := h.flows.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]FlowResponse, len(flows))
	for i, f := range flows {
		result[i] = FlowFromDomain(f)
	}

	List(w, result, len(result))
}

// CreateFlow создаёт новый flow.
// POST /api/v1/flows
func (h *Handler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var req CreateFlowRequest
	if !h.decode(w, r, &req) {
		return
	}

	triggers, err := normalizeTriggers(req.Triggers)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	status := domain.FlowStatusActive
	if req.Active != nil && !*req.Active {
		status = domain.FlowStatusInactive
	}

	now := time.Now().UTC()
	flow := &domain.Flow{
		ID:        uuid.New(),
		AccountID: req.AccountID,
		Task:      req.Task,
		Status:    status,
		Triggers:  triggers,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.flows.Create(r.Context(), flow); HandleRepoError(w, h.logger, err, "") {
		return
	}

	Created(w, FlowFromDomain(*flow))
}

// GetFlow возвращает flow по ID.
// GET /api/v1/flows/{id}
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "flow")
	if !ok {
		return
	}

	flow, err := h.flows.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	Success(w, FlowFromDomain(*flow))
}

// UpdateFlow обновляет task, triggers и статус flow.
// PUT /api/v1/flows/{id}
func (h *Handler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "flow")
	if !ok {
		return
	}

	var req UpdateFlowRequest
	if !h.decode(w, r, &req) {
		return
	}

	flow, err := h.flows.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	if flow.Metadata.Archived {
		InvalidState(w, "flow is archived")
		return
	}

	if req.Task != nil {
		flow.Task = *req.Task
	}
	if req.Triggers != nil {
		triggers, err := normalizeTriggers(*req.Triggers)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		flow.Triggers = triggers
	}
	if req.Status != nil {
		flow.Status = domain.FlowStatus(*req.Status)
	}

	if err := h.flows.Update(r.Context(), flow); HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	Success(w, FlowFromDomain(*flow))
}

// ArchiveFlow архивирует flow. Flow не удаляется физически:
// runs продолжают ссылаться на него.
// DELETE /api/v1/flows/{id}
func (h *Handler) ArchiveFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "flow")
	if !ok {
		return
	}

	flow, err := h.flows.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	flow.Status = domain.FlowStatusInactive
	flow.Metadata.Archived = true

	if err := h.flows.Update(r.Context(), flow); HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	NoContent(w)
}

// normalizeTriggers проверяет trigger-выражения flow и приводит их
// к канонической форме. Flow подписывается только на события.
func normalizeTriggers(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, s := range in {
		t, err := domain.ParseTrigger(s)
		if err != nil {
			return nil, err
		}
		if !t.IsEvent() {
			return nil, fmt.Errorf("trigger %q is not an event trigger", s)
		}
		out = append(out, t.String())
	}
	return out, nil
}

// decode разбирает JSON тела запроса и проверяет теги validate.
// Пустое тело равносильно пустому объекту.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		ValidationFailed(w, err)
		return false
	}
	return true
}

// pathID разбирает UUID из параметра пути.
func pathID(w http.ResponseWriter, r *http.Request, name, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		BadRequest(w, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}

// pagination разбирает limit и offset из query.
func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			BadRequest(w, "invalid "+p.name)
			return 0, 0, false
		}
		*p.dst = n
	}
	return limit, offset, true
}
