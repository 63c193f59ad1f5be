package agent

import (
	"encoding/json"
	"fmt"

	"github.com/shaiso/navigator/internal/actions"
	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/llm"
)

var actionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"kind": map[string]any{
			"type": "string",
			"enum": []string{"navigate", "click", "type", "extract", "scroll", "wait", "screenshot", "fetch"},
		},
		"url":         map[string]any{"type": "string"},
		"selector":    map[string]any{"type": "string", "description": "CSS selector"},
		"text":        map[string]any{"type": "string"},
		"seconds":     map[string]any{"type": "number"},
		"method":      map[string]any{"type": "string"},
		"headers":     map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
		"body":        map[string]any{},
		"description": map[string]any{"type": "string"},
	},
	"required": []string{"kind"},
}

func object(required []string, props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

var toolDefs = map[Tool]llm.Tool{
	ToolDoAction: {
		Name:        string(ToolDoAction),
		Description: "Perform one browser or HTTP action. Set completed=true if this action finishes the current task.",
		Parameters: object([]string{"action"}, map[string]any{
			"thought":   str("Why this action"),
			"action":    actionSchema,
			"completed": map[string]any{"type": "boolean"},
		}),
	},
	ToolSkipSection: {
		Name:        string(ToolSkipSection),
		Description: "Skip the current task because it cannot or should not be done.",
		Parameters:  object([]string{"reason"}, map[string]any{"reason": str("Why the task is skipped")}),
	},
	ToolActionCompleted: {
		Name:        string(ToolActionCompleted),
		Description: "The current task is done. Report the result.",
		Parameters:  object([]string{"reason"}, map[string]any{"reason": str("Result of the task")}),
	},
	ToolCreateSubtasks: {
		Name:        string(ToolCreateSubtasks),
		Description: "Split the current task into independent subtasks executed separately.",
		Parameters: object([]string{"subtasks"}, map[string]any{
			"thought": str("Why the task is split"),
			"subtasks": map[string]any{
				"type": "array",
				"items": object([]string{"input"}, map[string]any{
					"input":     str("Subtask description"),
					"agentCode": str("Agent for the subtask, empty for the current agent"),
				}),
			},
			"failurePolicy": map[string]any{"type": "string", "enum": []string{"fail_fast", "tolerate"}},
		}),
	},
	ToolAskUserForInput: {
		Name:        string(ToolAskUserForInput),
		Description: "Ask the user a question and wait for the answer.",
		Parameters:  object([]string{"question"}, map[string]any{"question": str("Question for the user")}),
	},
	ToolTriggerWait: {
		Name:        string(ToolTriggerWait),
		Description: "Pause until an external event with the given id arrives.",
		Parameters: object([]string{"eventId"}, map[string]any{
			"eventId": str("External event id"),
			"reason":  str("What the event means for the task"),
		}),
	},
}

// Tools возвращает описания инструментов для модели.
// allowSubtasks = false убирает createSubtasks (достигнута максимальная глубина).
func Tools(allowSubtasks bool) []llm.Tool {
	order := []Tool{ToolDoAction, ToolActionCompleted, ToolSkipSection, ToolCreateSubtasks, ToolAskUserForInput, ToolTriggerWait}
	tools := make([]llm.Tool, 0, len(order))
	for _, t := range order {
		if t == ToolCreateSubtasks && !allowSubtasks {
			continue
		}
		tools = append(tools, toolDefs[t])
	}
	return tools
}

type toolArgs struct {
	Thought       string               `json:"thought"`
	Action        *actions.Action      `json:"action"`
	Completed     bool                 `json:"completed"`
	Reason        string               `json:"reason"`
	Subtasks      []Subtask            `json:"subtasks"`
	FailurePolicy domain.FailurePolicy `json:"failurePolicy"`
	Question      string               `json:"question"`
	EventID       string               `json:"eventId"`
}

// ParseToolCall превращает вызов инструмента в проверенное решение.
func ParseToolCall(call llm.ToolCall) (*Decision, error) {
	tool := Tool(call.Name)
	if !tool.Valid() {
		return nil, fmt.Errorf("%w: unknown tool %q", ErrInvalidDecision, call.Name)
	}

	var args toolArgs
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, fmt.Errorf("%w: %s arguments: %v", ErrInvalidDecision, tool, err)
		}
	}

	d := &Decision{Tool: tool, Thought: args.Thought}
	switch tool {
	case ToolDoAction:
		d.Action = args.Action
		d.Completed = args.Completed
	case ToolSkipSection, ToolActionCompleted:
		d.Reason = args.Reason
	case ToolCreateSubtasks:
		d.Subtasks = args.Subtasks
		d.FailurePolicy = args.FailurePolicy
	case ToolAskUserForInput:
		d.Question = args.Question
	case ToolTriggerWait:
		d.EventID = args.EventID
		d.Reason = args.Reason
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
