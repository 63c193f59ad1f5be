package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Роли сообщений chat completions.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message — сообщение диалога.
type Message struct {
	Role    string
	Content string

	// Images — data URI изображений (скриншоты), прикладываются к сообщению.
	Images []string
}

// Tool — описание функции, которую может вызвать модель.
type Tool struct {
	Name        string
	Description string

	// Parameters — JSON Schema аргументов.
	Parameters map[string]any
}

// ToolCall — вызов функции моделью.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Usage — расход токенов.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Request — запрос к модели.
type Request struct {
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int

	// AccountID — ключ rate limit.
	AccountID string
}

// Response — ответ модели.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Client — сервис решений.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// APIError — ответ API с кодом ошибки.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error: status %d: %s", e.StatusCode, e.Body)
}

// Transient возвращает true для 408, 429 и 5xx.
func (e *APIError) Transient() bool {
	return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
}

// ErrEmptyResponse — ответ без choices.
var ErrEmptyResponse = errors.New("llm returned no choices")

// IsTransient определяет, имеет ли смысл повторить запрос.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyResponse)
}
