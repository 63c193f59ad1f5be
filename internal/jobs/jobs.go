package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/queue"
)

// Имена job.
const (
	NameCreateRun      = "create-run"
	NameStopRun        = "stop-run"
	NameAdvanceNode    = "advance-node"
	NameProcessTrigger = "process-trigger"
	NameUserInput      = "user-input"
	NameCreateGif      = "create-gif"
	NameProcessEvent   = "process-event"
	NameRecoverStalled = "recover-stalled"
)

// Очереди job.
const (
	QueueCreateRun      = queue.Flow
	QueueStopRun        = queue.Flow
	QueueAdvanceNode    = queue.Agent
	QueueProcessTrigger = queue.Agent
	QueueUserInput      = queue.Agent
	QueueCreateGif      = queue.Agent
	QueueProcessEvent   = queue.Integrations
	QueueRecoverStalled = queue.Base
)

// CreateRun — payload flow:create-run.
type CreateRun struct {
	UserID       string             `json:"userId"`
	AccountID    uuid.UUID          `json:"accountId" validate:"required"`
	FlowID       uuid.UUID          `json:"flowId" validate:"required"`
	Input        string             `json:"input"`
	TriggerInput string             `json:"triggerInput"`
	TriggerType  domain.TriggerType `json:"triggerType" validate:"omitempty,oneof=manual event schedule"`
}

// StopRun — payload flow:stop-run.
type StopRun struct {
	RunID uuid.UUID `json:"runId" validate:"required"`
}

// AdvanceNode — payload agent:advance-node.
//
// Step — ожидаемое значение nodes.steps. Job с другим Step устарел.
type AdvanceNode struct {
	RunID  uuid.UUID `json:"runId" validate:"required"`
	NodeID uuid.UUID `json:"nodeId" validate:"required"`
	Step   int       `json:"step" validate:"gte=0"`
}

// ProcessTrigger — payload agent:process-trigger.
//
// TriggerWaitID — trigger-выражение node ("event.once|<id>|") или id события.
type ProcessTrigger struct {
	RunID         uuid.UUID       `json:"runId" validate:"required"`
	NodeID        uuid.UUID       `json:"nodeId" validate:"required"`
	TriggerWaitID string          `json:"triggerWaitId" validate:"required"`
	TriggerData   json.RawMessage `json:"triggerData,omitempty"`
}

// UserInput — payload agent:user-input.
type UserInput struct {
	RunID  uuid.UUID `json:"runId" validate:"required"`
	NodeID uuid.UUID `json:"nodeId" validate:"required"`
	UserID string    `json:"userId"`
	Input  string    `json:"input" validate:"required"`
}

// CreateGif — payload agent:create-gif.
type CreateGif struct {
	FlowID    uuid.UUID `json:"flowId" validate:"required"`
	RunID     uuid.UUID `json:"runId" validate:"required"`
	AccountID uuid.UUID `json:"accountId"`
}

// ProcessEvent — payload integrations:process-event.
type ProcessEvent struct {
	UserID    string         `json:"user_id"`
	AccountID uuid.UUID      `json:"account_id" validate:"required"`
	EventID   string         `json:"event_id" validate:"required,excludesall=0x7C"`
	EventData map[string]any `json:"event_data"`
}

// RecoverStalled — payload base:recover-stalled.
type RecoverStalled struct {
	Limit int `json:"limit,omitempty" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate проверяет payload по тегам validate.
func Validate(payload any) error {
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// Decode разбирает и проверяет payload job.
func Decode(job *queue.Job, payload any) error {
	if err := job.Decode(payload); err != nil {
		return err
	}
	return Validate(payload)
}

// StepJobID — JobID шага node: "<runId>-<nodeId>-step-<n>".
func StepJobID(runID, nodeID uuid.UUID, step int) string {
	return fmt.Sprintf("%s-%s-step-%d", runID, nodeID, step)
}

// JoinJobID — JobID продолжения родителя после join: "<runId>-<parentId>-join-<steps>".
func JoinJobID(runID, parentID uuid.UUID, steps int) string {
	return fmt.Sprintf("%s-%s-join-%d", runID, parentID, steps)
}

// TriggerJobID — JobID возобновления node событием: "<runId>-<nodeId>-process-trigger".
func TriggerJobID(runID, nodeID uuid.UUID) string {
	return fmt.Sprintf("%s-%s-process-trigger", runID, nodeID)
}

// UserInputJobID — JobID ответа пользователя: "<runId>-<nodeId>-user-input-<steps>".
func UserInputJobID(runID, nodeID uuid.UUID, steps int) string {
	return fmt.Sprintf("%s-%s-user-input-%d", runID, nodeID, steps)
}

// StopJobID — JobID остановки run.
func StopJobID(runID uuid.UUID) string {
	return fmt.Sprintf("%s-stop", runID)
}

// GifJobID — JobID генерации GIF run.
func GifJobID(runID uuid.UUID) string {
	return fmt.Sprintf("%s-create-gif", runID)
}

// GifOptions — параметры job create-gif. JobID схлопывает только запросы,
// пока job в очереди: после обработки GIF можно собрать заново.
func GifOptions(runID uuid.UUID) queue.Options {
	return queue.Options{JobID: GifJobID(runID), RemoveOnComplete: true, RemoveOnFail: true}
}
