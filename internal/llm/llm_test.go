package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestOpenAIClient_ToolCall(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Write([]byte(`{
			"choices": [{"message": {"content": "", "tool_calls": [
				{"id": "call_1", "function": {"name": "doAction", "arguments": "{\"kind\": \"click\", \"selector\": \"#go\",}"}}
			]}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "secret", Model: "gpt-test"})
	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "you are a browser agent"},
			{Role: RoleUser, Content: "look", Images: []string{"data:image/png;base64,AAAA"}},
		},
		Tools: []Tool{{Name: "doAction", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-test", got["model"])
	assert.Equal(t, "required", got["tool_choice"])
	messages := got["messages"].([]any)
	require.Len(t, messages, 2)
	_, isParts := messages[1].(map[string]any)["content"].([]any)
	assert.True(t, isParts, "message with images must use content parts")

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "doAction", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"kind":"click","selector":"#go"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, 10, resp.Usage.PromptTokens)
}

func TestOpenAIClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer server.Close()

	_, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL}).Complete(context.Background(), Request{})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.True(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&APIError{StatusCode: 503}))
	assert.False(t, IsTransient(&APIError{StatusCode: 400}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}

type flakyClient struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (f *flakyClient) Complete(context.Context, Request) (*Response, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, f.err
	}
	return &Response{Content: "ok"}, nil
}

func TestRetryingClient_RetriesTransient(t *testing.T) {
	base := &flakyClient{failures: 2, err: &APIError{StatusCode: 502}}
	client := NewRetryingClient(base, RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}, nil)

	resp, err := client.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), base.calls.Load())
}

func TestRetryingClient_PermanentFailsFast(t *testing.T) {
	base := &flakyClient{failures: 10, err: &APIError{StatusCode: 401}}
	client := NewRetryingClient(base, RetryConfig{InitialInterval: time.Millisecond}, nil)

	_, err := client.Complete(context.Background(), Request{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, int32(1), base.calls.Load())
}

func TestRetryingClient_Exhausted(t *testing.T) {
	base := &flakyClient{failures: 10, err: ErrEmptyResponse}
	client := NewRetryingClient(base, RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond}, nil)

	_, err := client.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, int32(3), base.calls.Load())
}

func TestRateLimitedClient_PerAccount(t *testing.T) {
	base := &flakyClient{}
	client := NewRateLimitedClient(base, rate.Every(time.Hour), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, Request{AccountID: "a"})
	require.NoError(t, err)

	// Второй запрос того же аккаунта не уложится в дедлайн.
	_, err = client.Complete(ctx, Request{AccountID: "a"})
	assert.Error(t, err)

	// Другой аккаунт не затронут.
	_, err = client.Complete(ctx, Request{AccountID: "b"})
	assert.NoError(t, err)
}

func TestNewRateLimitedClient_Disabled(t *testing.T) {
	base := &flakyClient{}
	assert.Same(t, Client(base), NewRateLimitedClient(base, 0, 0))
}
