package agent

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/shaiso/navigator/internal/actions"
	"github.com/shaiso/navigator/internal/domain"
)

// Tool — имя инструмента решения.
type Tool string

const (
	ToolDoAction        Tool = "doAction"
	ToolSkipSection     Tool = "skipSection"
	ToolActionCompleted Tool = "actionCompleted"
	ToolCreateSubtasks  Tool = "createSubtasks"
	ToolAskUserForInput Tool = "askUserForInput"
	ToolTriggerWait     Tool = "triggerWait"
)

// Valid проверяет, что инструмент известен.
func (t Tool) Valid() bool {
	switch t {
	case ToolDoAction, ToolSkipSection, ToolActionCompleted,
		ToolCreateSubtasks, ToolAskUserForInput, ToolTriggerWait:
		return true
	default:
		return false
	}
}

// Subtask — дочерняя задача для createSubtasks.
type Subtask struct {
	Input string `json:"input" validate:"required"`

	// AgentCode — агент для child; пусто — агент родителя.
	AgentCode string `json:"agentCode,omitempty"`
}

// Decision — решение агента на один шаг node.
type Decision struct {
	Tool Tool `validate:"required"`

	// Thought — рассуждение агента, попадает в журнал сообщений.
	Thought string

	// Action — для doAction.
	Action *actions.Action `validate:"required_if=Tool doAction"`

	// Completed — для doAction: задача выполнена этим действием.
	Completed bool

	// Reason — итог для skipSection и actionCompleted.
	Reason string

	// Subtasks и FailurePolicy — для createSubtasks.
	Subtasks      []Subtask            `validate:"omitempty,max=20,dive"`
	FailurePolicy domain.FailurePolicy `validate:"omitempty,oneof=fail_fast tolerate"`

	// Question — для askUserForInput.
	Question string `validate:"required_if=Tool askUserForInput"`

	// EventID — для triggerWait.
	EventID string `validate:"required_if=Tool triggerWait,excludesall=0x7C"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate проверяет согласованность решения.
func (d *Decision) Validate() error {
	if !d.Tool.Valid() {
		return fmt.Errorf("%w: unknown tool %q", ErrInvalidDecision, d.Tool)
	}
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDecision, d.Tool, err)
	}
	if d.Tool == ToolCreateSubtasks && len(d.Subtasks) == 0 {
		return fmt.Errorf("%w: createSubtasks without subtasks", ErrInvalidDecision)
	}
	if d.Action != nil {
		if err := d.Action.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDecision, err)
		}
	}
	return nil
}

// Terminal возвращает true, если решение завершает node.
func (d *Decision) Terminal() bool {
	switch d.Tool {
	case ToolSkipSection, ToolActionCompleted:
		return true
	default:
		return false
	}
}

// Summary — краткое описание решения для журнала сообщений.
func (d *Decision) Summary() string {
	switch d.Tool {
	case ToolDoAction:
		if d.Action == nil {
			return string(d.Tool)
		}
		if d.Action.Description != "" {
			return d.Action.Description
		}
		return d.Action.String()
	case ToolSkipSection:
		return "Skipped: " + d.Reason
	case ToolActionCompleted:
		return "Completed: " + d.Reason
	case ToolCreateSubtasks:
		return fmt.Sprintf("Split into %d subtasks", len(d.Subtasks))
	case ToolAskUserForInput:
		return d.Question
	case ToolTriggerWait:
		return "Waiting for event " + d.EventID
	default:
		return string(d.Tool)
	}
}
