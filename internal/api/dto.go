package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/orchestrator"
)

// Flow DTOs

// CreateFlowRequest — запрос на создание flow.
type CreateFlowRequest struct {
	AccountID uuid.UUID `json:"account_id" validate:"required"`
	Task      string    `json:"task" validate:"required"`
	Triggers  []string  `json:"triggers,omitempty"`
	Active    *bool     `json:"active,omitempty"`
}

// UpdateFlowRequest — запрос на обновление flow.
type UpdateFlowRequest struct {
	Task     *string   `json:"task,omitempty" validate:"omitempty,min=1"`
	Triggers *[]string `json:"triggers,omitempty"`
	Status   *string   `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
}

// FlowResponse — ответ с flow.
type FlowResponse struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Task      string    `json:"task"`
	Status    string    `json:"status"`
	Triggers  []string  `json:"triggers"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FlowFromDomain конвертирует domain.Flow в FlowResponse.
func FlowFromDomain(f domain.Flow) FlowResponse {
	triggers := f.Triggers
	if triggers == nil {
		triggers = []string{}
	}
	return FlowResponse{
		ID:        f.ID,
		AccountID: f.AccountID,
		Task:      f.Task,
		Status:    string(f.Status),
		Triggers:  triggers,
		Archived:  f.Metadata.Archived,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
}

// Run DTOs

// CreateRunRequest — запрос на создание run.
//
// IdempotencyKey становится JobID create-run: повтор запроса с тем же
// ключом не создаёт второй run.
type CreateRunRequest struct {
	UserID         string `json:"user_id,omitempty"`
	Input          string `json:"input,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=200,excludesall=0x7C"`
}

// RunResponse — ответ с run.
//
// Status — статус для UI: ask_user_for_input, если run ждёт ответа пользователя.
type RunResponse struct {
	ID             uuid.UUID      `json:"id"`
	FlowID         uuid.UUID      `json:"flow_id"`
	AccountID      uuid.UUID      `json:"account_id"`
	Status         string         `json:"status"`
	Error          string         `json:"error,omitempty"`
	Input          string         `json:"input,omitempty"`
	TriggerType    string         `json:"trigger_type,omitempty"`
	TriggerInput   string         `json:"trigger_input,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	GifURL         string         `json:"gif_url,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	StopRequested  bool           `json:"stop_requested,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Nodes          []NodeResponse `json:"nodes,omitempty"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
// nodes могут быть nil (список runs): тогда статус — статус run.
func RunFromDomain(r domain.Run, nodes []domain.Node) RunResponse {
	resp := RunResponse{
		ID:             r.ID,
		FlowID:         r.FlowID,
		AccountID:      r.AccountID,
		Status:         orchestrator.ReportedStatus(&r, nodes),
		Error:          r.Error,
		Input:          r.Data.Input,
		TriggerType:    string(r.Data.TriggerType),
		TriggerInput:   r.Data.TriggerInput,
		Summary:        r.Data.Summary,
		GifURL:         r.Data.GifURL,
		IdempotencyKey: r.IdempotencyKey,
		StopRequested:  r.StopRequested,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		CreatedAt:      r.CreatedAt,
	}
	for _, n := range nodes {
		resp.Nodes = append(resp.Nodes, NodeFromDomain(n))
	}
	return resp
}

// NodeResponse — ответ с node.
type NodeResponse struct {
	ID           uuid.UUID  `json:"id"`
	ParentNodeID *uuid.UUID `json:"parent_node_id,omitempty"`
	AgentCode    string     `json:"agent_code"`
	Input        string     `json:"input"`
	Status       string     `json:"status"`
	TriggerWait  string     `json:"trigger_wait,omitempty"`
	ThreadLevel  int        `json:"thread_level"`
	Steps        int        `json:"steps"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NodeFromDomain конвертирует domain.Node в NodeResponse.
func NodeFromDomain(n domain.Node) NodeResponse {
	return NodeResponse{
		ID:           n.ID,
		ParentNodeID: n.ParentNodeID,
		AgentCode:    n.AgentCode,
		Input:        n.Input,
		Status:       string(n.Status),
		TriggerWait:  n.TriggerWait,
		ThreadLevel:  n.Data.ThreadLevel(),
		Steps:        n.Steps,
		Result:       n.Result,
		Error:        n.Error,
		CreatedAt:    n.CreatedAt,
		UpdatedAt:    n.UpdatedAt,
	}
}

// MessageResponse — запись журнала сообщений.
type MessageResponse struct {
	ID        uuid.UUID             `json:"id"`
	NodeID    *uuid.UUID            `json:"node_id,omitempty"`
	Segment   string                `json:"segment"`
	Role      string                `json:"role"`
	Blocks    []domain.ContentBlock `json:"blocks"`
	CreatedAt time.Time             `json:"created_at"`
}

// MessageFromDomain конвертирует domain.MessageLog в MessageResponse.
func MessageFromDomain(m domain.MessageLog) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		NodeID:    m.NodeID,
		Segment:   string(m.Segment),
		Role:      m.Role,
		Blocks:    m.Blocks,
		CreatedAt: m.CreatedAt,
	}
}

// UserInputRequest — ответ пользователя на вопрос агента.
// NodeID можно не указывать, если вопрос задаёт ровно один node.
type UserInputRequest struct {
	NodeID *uuid.UUID `json:"node_id,omitempty"`
	UserID string     `json:"user_id,omitempty"`
	Input  string     `json:"input" validate:"required"`
}

// Event DTOs

// EventRequest — входящее событие интеграции.
type EventRequest struct {
	AccountID uuid.UUID      `json:"account_id" validate:"required"`
	UserID    string         `json:"user_id,omitempty"`
	EventID   string         `json:"event_id" validate:"required,excludesall=0x7C"`
	EventData map[string]any `json:"event_data,omitempty"`
}

// Queue DTOs

// JobResponse — job, поставленный в очередь.
//
// Queued = false: job с таким JobID уже был в очереди (повтор запроса).
type JobResponse struct {
	JobID  string     `json:"job_id"`
	Name   string     `json:"name"`
	Queued bool       `json:"queued"`
	RunID  *uuid.UUID `json:"run_id,omitempty"`
	FlowID *uuid.UUID `json:"flow_id,omitempty"`
}
