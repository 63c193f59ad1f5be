package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Tracing(),
		Logging(h.logger),
	)

	// Flows
	mux.Handle("GET /api/v1/flows", chain(http.HandlerFunc(h.ListFlows)))
	mux.Handle("POST /api/v1/flows", chain(http.HandlerFunc(h.CreateFlow)))
	mux.Handle("GET /api/v1/flows/{id}", chain(http.HandlerFunc(h.GetFlow)))
	mux.Handle("PUT /api/v1/flows/{id}", chain(http.HandlerFunc(h.UpdateFlow)))
	mux.Handle("DELETE /api/v1/flows/{id}", chain(http.HandlerFunc(h.ArchiveFlow)))

	// Runs
	mux.Handle("POST /api/v1/flows/{id}/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/flows/{id}/jobs/{jobId}/run", chain(http.HandlerFunc(h.GetRunByJob)))
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("GET /api/v1/runs/{id}/messages", chain(http.HandlerFunc(h.ListRunMessages)))
	mux.Handle("POST /api/v1/runs/{id}/stop", chain(http.HandlerFunc(h.StopRun)))
	mux.Handle("POST /api/v1/runs/{id}/input", chain(http.HandlerFunc(h.SendUserInput)))
	mux.Handle("POST /api/v1/runs/{id}/gif", chain(http.HandlerFunc(h.CreateGif)))

	// Events
	mux.Handle("POST /api/v1/events", chain(http.HandlerFunc(h.SendEvent)))
}
