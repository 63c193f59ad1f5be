package agent

import "errors"

var (
	// ErrInvalidDecision — решение не прошло валидацию
	// (неизвестный инструмент, отсутствующие аргументы).
	ErrInvalidDecision = errors.New("invalid decision")

	// ErrNoToolCall — модель ответила текстом без вызова инструмента.
	ErrNoToolCall = errors.New("decision has no tool call")
)

// NoAgentError — агент для agent_code не найден и fallback не задан.
type NoAgentError struct {
	Code string
}

func (e *NoAgentError) Error() string {
	return "no agent registered for code: " + e.Code
}
