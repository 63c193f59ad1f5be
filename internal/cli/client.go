package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// FlowResponse — flow из API.
type FlowResponse struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id"`
	Task      string   `json:"task"`
	Status    string   `json:"status"`
	Triggers  []string `json:"triggers"`
	Archived  bool     `json:"archived"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID             string         `json:"id"`
	FlowID         string         `json:"flow_id"`
	AccountID      string         `json:"account_id"`
	Status         string         `json:"status"`
	Error          string         `json:"error,omitempty"`
	Input          string         `json:"input,omitempty"`
	TriggerType    string         `json:"trigger_type,omitempty"`
	TriggerInput   string         `json:"trigger_input,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	GifURL         string         `json:"gif_url,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	StartedAt      string         `json:"started_at,omitempty"`
	FinishedAt     string         `json:"finished_at,omitempty"`
	CreatedAt      string         `json:"created_at"`
	Nodes          []NodeResponse `json:"nodes,omitempty"`
}

// NodeResponse — node из API.
type NodeResponse struct {
	ID           string `json:"id"`
	ParentNodeID string `json:"parent_node_id,omitempty"`
	AgentCode    string `json:"agent_code"`
	Input        string `json:"input"`
	Status       string `json:"status"`
	TriggerWait  string `json:"trigger_wait,omitempty"`
	ThreadLevel  int    `json:"thread_level"`
	Steps        int    `json:"steps"`
	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
}

// MessageResponse — запись журнала сообщений из API.
type MessageResponse struct {
	ID      string `json:"id"`
	NodeID  string `json:"node_id,omitempty"`
	Segment string `json:"segment"`
	Role    string `json:"role"`
	Blocks  []struct {
		Type     string `json:"type"`
		Content  string `json:"content"`
		MimeType string `json:"mimeType,omitempty"`
	} `json:"blocks"`
	CreatedAt string `json:"created_at"`
}

// JobResponse — job, поставленный в очередь через API.
type JobResponse struct {
	JobID  string `json:"job_id"`
	Name   string `json:"name"`
	Queued bool   `json:"queued"`
	RunID  string `json:"run_id,omitempty"`
	FlowID string `json:"flow_id,omitempty"`
}

// --- Request types ---

// CreateFlowRequest — создание flow.
type CreateFlowRequest struct {
	AccountID string   `json:"account_id"`
	Task      string   `json:"task"`
	Triggers  []string `json:"triggers,omitempty"`
	Active    *bool    `json:"active,omitempty"`
}

// UpdateFlowRequest — обновление flow.
type UpdateFlowRequest struct {
	Task     *string   `json:"task,omitempty"`
	Triggers *[]string `json:"triggers,omitempty"`
	Status   *string   `json:"status,omitempty"`
}

// CreateRunRequest — создание run.
type CreateRunRequest struct {
	UserID         string `json:"user_id,omitempty"`
	Input          string `json:"input,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// UserInputRequest — ответ на вопрос агента.
type UserInputRequest struct {
	NodeID string `json:"node_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Input  string `json:"input"`
}

// EventRequest — событие интеграции.
type EventRequest struct {
	AccountID string         `json:"account_id"`
	UserID    string         `json:"user_id,omitempty"`
	EventID   string         `json:"event_id"`
	EventData map[string]any `json:"event_data,omitempty"`
}

// ListFlowsOpts — параметры фильтрации flows.
type ListFlowsOpts struct {
	AccountID string
	Status    string
	Limit     int
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	FlowID string
	Status string
	Limit  int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ответ API с ошибкой.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound возвращает true для ответа 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ErrRunNotCreated — run не появился за время ожидания.
var ErrRunNotCreated = errors.New("run was not created in time")

// --- Client ---

// Client — HTTP-клиент для navigator API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// pollInterval — начальный интервал опроса в WaitForRun.
	pollInterval time.Duration
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollInterval: 250 * time.Millisecond,
	}
}

// --- Flows ---

// ListFlows возвращает flows с фильтрацией.
func (c *Client) ListFlows(opts ListFlowsOpts) ([]FlowResponse, error) {
	params := url.Values{}
	if opts.AccountID != "" {
		params.Set("account_id", opts.AccountID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var flows []FlowResponse
	err := c.list("/api/v1/flows", params, &flows)
	return flows, err
}

// CreateFlow создаёт новый flow.
func (c *Client) CreateFlow(req CreateFlowRequest) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.post("/api/v1/flows", req, &flow)
	return &flow, err
}

// GetFlow возвращает flow по ID.
func (c *Client) GetFlow(id string) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.get("/api/v1/flows/"+id, &flow)
	return &flow, err
}

// UpdateFlow обновляет flow.
func (c *Client) UpdateFlow(id string, req UpdateFlowRequest) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.put("/api/v1/flows/"+id, req, &flow)
	return &flow, err
}

// ArchiveFlow архивирует flow.
func (c *Client) ArchiveFlow(id string) error {
	return c.delete("/api/v1/flows/" + id)
}

// --- Runs ---

// ListRuns возвращает список runs с фильтрацией.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.FlowID != "" {
		params.Set("flow_id", opts.FlowID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// CreateRun ставит в очередь создание run для flow.
func (c *Client) CreateRun(flowID string, req CreateRunRequest) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/flows/"+flowID+"/runs", req, &job)
	return &job, err
}

// GetRunByJob возвращает run, созданный job create-run.
func (c *Client) GetRunByJob(flowID, jobID string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/flows/"+flowID+"/jobs/"+url.PathEscape(jobID)+"/run", &run)
	return &run, err
}

// WaitForRun опрашивает API, пока orchestrator не создаст run
// для job, но не дольше timeout.
func (c *Client) WaitForRun(flowID, jobID string, timeout time.Duration) (*RunResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInterval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = timeout

	run, err := backoff.RetryWithData(func() (*RunResponse, error) {
		run, err := c.GetRunByJob(flowID, jobID)
		if err != nil && !IsNotFound(err) {
			return nil, backoff.Permanent(err)
		}
		return run, err
	}, b)
	if IsNotFound(err) {
		return nil, fmt.Errorf("%w: job %s", ErrRunNotCreated, jobID)
	}
	return run, err
}

// GetRun возвращает run по ID вместе с node.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/runs/"+id, &run)
	return &run, err
}

// ListMessages возвращает журнал сообщений run. Пустой segment — все.
func (c *Client) ListMessages(runID, segment string) ([]MessageResponse, error) {
	params := url.Values{}
	if segment != "" {
		params.Set("segment", segment)
	}

	var msgs []MessageResponse
	err := c.list("/api/v1/runs/"+runID+"/messages", params, &msgs)
	return msgs, err
}

// StopRun ставит в очередь остановку run.
func (c *Client) StopRun(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/runs/"+id+"/stop", nil, &job)
	return &job, err
}

// SendInput передаёт ответ пользователя run.
func (c *Client) SendInput(runID string, req UserInputRequest) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/runs/"+runID+"/input", req, &job)
	return &job, err
}

// CreateGif ставит в очередь сборку GIF run.
func (c *Client) CreateGif(runID string) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/runs/"+runID+"/gif", nil, &job)
	return &job, err
}

// --- Events ---

// SendEvent отправляет событие интеграции.
func (c *Client) SendEvent(req EventRequest) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/events", req, &job)
	return &job, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}
