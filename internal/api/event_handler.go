package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/queue"
)

// SendEvent принимает событие интеграции и передаёт его dispatcher.
// Повторная доставка события безопасна: dispatcher сворачивает дубликаты.
// POST /api/v1/events
func (h *Handler) SendEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !h.decode(w, r, &req) {
		return
	}

	payload := jobs.ProcessEvent{
		UserID:    req.UserID,
		AccountID: req.AccountID,
		EventID:   req.EventID,
		EventData: req.EventData,
	}
	h.enqueue(w, r, jobs.QueueProcessEvent, jobs.NameProcessEvent, payload,
		queue.Options{JobID: "event-" + uuid.NewString()}, JobResponse{})
}
