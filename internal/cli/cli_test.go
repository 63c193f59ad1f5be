package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": msg}})
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL)
	c.pollInterval = time.Millisecond
	return c
}

func TestClient_CreateRun(t *testing.T) {
	var got CreateRunRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/flows/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "f1", r.PathValue("id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusAccepted, map[string]any{"data": JobResponse{JobID: "k1", Name: "create-run", Queued: true}})
	})

	job, err := newTestClient(t, mux).CreateRun("f1", CreateRunRequest{Input: "buy milk", IdempotencyKey: "k1"})
	require.NoError(t, err)

	assert.Equal(t, "k1", job.JobID)
	assert.True(t, job.Queued)
	assert.Equal(t, "buy milk", got.Input)
	assert.Equal(t, "k1", got.IdempotencyKey)
}

func TestClient_ListFlowsQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/flows", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acc", r.URL.Query().Get("account_id"))
		assert.Equal(t, "active", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"data":  []FlowResponse{{ID: "f1", Triggers: []string{"event.every|deploy|"}}},
			"total": 1,
		})
	})

	flows, err := newTestClient(t, mux).ListFlows(ListFlowsOpts{AccountID: "acc", Status: "active", Limit: 5})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "f1", flows[0].ID)
}

func TestClient_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "run not found")
	})
	mux.HandleFunc("POST /api/v1/runs/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	c := newTestClient(t, mux)

	_, err := c.GetRun("r1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NOT_FOUND: run not found", apiErr.Error())
	assert.True(t, IsNotFound(err))

	_, err = c.StopRun("r1")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "API error: HTTP 502", apiErr.Error())
	assert.False(t, IsNotFound(err))
}

func TestClient_WaitForRun(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/flows/{id}/jobs/{jobId}/run", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "job-1", r.PathValue("jobId"))
		if calls.Add(1) < 3 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "run not created yet")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": RunResponse{ID: "r1", Status: "running"}})
	})

	run, err := newTestClient(t, mux).WaitForRun("f1", "job-1", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "r1", run.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_WaitForRun_Errors(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /api/v1/flows/{id}/jobs/{jobId}/run", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "run not created yet")
		})

		_, err := newTestClient(t, mux).WaitForRun("f1", "job-1", 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrRunNotCreated)
	})

	t.Run("other errors stop polling", func(t *testing.T) {
		var calls atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("GET /api/v1/flows/{id}/jobs/{jobId}/run", func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid flow id")
		})

		_, err := newTestClient(t, mux).WaitForRun("f1", "job-1", time.Second)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestParseEventData(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		fields  []string
		want    map[string]any
		wantErr bool
	}{
		{name: "empty", want: nil},
		{name: "pairs", fields: []string{"env=prod", "url=https://x.io/?a=b"}, want: map[string]any{"env": "prod", "url": "https://x.io/?a=b"}},
		{name: "json", json: `{"count": 2}`, want: map[string]any{"count": float64(2)}},
		{name: "pairs override json", json: `{"env": "dev", "n": 1}`, fields: []string{"env=prod"}, want: map[string]any{"env": "prod", "n": float64(1)}},
		{name: "bad pair", fields: []string{"novalue"}, wantErr: true},
		{name: "empty key", fields: []string{"=x"}, wantErr: true},
		{name: "bad json", json: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEventData(tt.json, tt.fields)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "line one…", truncate("line\none two", 9))
	assert.Equal(t, "привет", truncate("привет", 6))
}

func TestOutput_Detail(t *testing.T) {
	var buf bytes.Buffer
	out := newOutputTo(false, &buf, &bytes.Buffer{})

	out.Detail([]Field{{"ID", "r1"}, {"Error", ""}, {"Status", "completed"}}, nil)
	assert.Equal(t, "ID:     r1\nStatus: completed\n", buf.String())

	buf.Reset()
	out = newOutputTo(true, &buf, &bytes.Buffer{})
	out.Detail([]Field{{"ID", "r1"}}, map[string]string{"id": "r1"})
	assert.JSONEq(t, `{"id":"r1"}`, buf.String())
}

func TestRunInputCmd(t *testing.T) {
	var got UserInputRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs/{id}/input", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "r1", r.PathValue("id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusAccepted, map[string]any{"data": JobResponse{JobID: "j", Queued: true}})
	})
	client := newTestClient(t, mux)

	var stderr bytes.Buffer
	cmd := NewRunCmd(func() *Client { return client }, func() *Output {
		return newOutputTo(false, &bytes.Buffer{}, &stderr)
	})
	cmd.SetArgs([]string{"input", "r1", "yes, continue", "--node-id", "n1"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "yes, continue", got.Input)
	assert.Equal(t, "n1", got.NodeID)
	assert.Contains(t, stderr.String(), "Input sent to run r1")
}

func TestEventSendCmd(t *testing.T) {
	var got EventRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusAccepted, map[string]any{"data": JobResponse{JobID: "event-1", Queued: true}})
	})
	client := newTestClient(t, mux)

	var stderr bytes.Buffer
	cmd := NewEventCmd(func() *Client { return client }, func() *Output {
		return newOutputTo(false, &bytes.Buffer{}, &stderr)
	})
	cmd.SetArgs([]string{"send", "deploy", "--account-id", "acc", "--data", "env=prod"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "deploy", got.EventID)
	assert.Equal(t, "acc", got.AccountID)
	assert.Equal(t, map[string]any{"env": "prod"}, got.EventData)
	assert.Contains(t, stderr.String(), "job event-1")
}
