package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/navigator/internal/actions"
	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/llm"
)

type scriptedClient struct {
	responses []*llm.Response
	err       error
	requests  []llm.Request
}

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	resp := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return resp, nil
}

func call(name, args string) *llm.Response {
	return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: name, Arguments: json.RawMessage(args)}}}
}

func TestParseToolCall(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		args    string
		check   func(t *testing.T, d *Decision)
		wantErr bool
	}{
		{
			name: "doAction",
			tool: "doAction",
			args: `{"thought":"open","action":{"kind":"navigate","url":"https://example.com"},"completed":false}`,
			check: func(t *testing.T, d *Decision) {
				require.NotNil(t, d.Action)
				assert.Equal(t, actions.KindNavigate, d.Action.Kind)
				assert.Equal(t, "open", d.Thought)
				assert.False(t, d.Terminal())
			},
		},
		{name: "doAction without action", tool: "doAction", args: `{}`, wantErr: true},
		{name: "doAction invalid action", tool: "doAction", args: `{"action":{"kind":"click"}}`, wantErr: true},
		{
			name: "actionCompleted",
			tool: "actionCompleted",
			args: `{"reason":"done"}`,
			check: func(t *testing.T, d *Decision) {
				assert.True(t, d.Terminal())
				assert.Equal(t, "Completed: done", d.Summary())
			},
		},
		{
			name: "createSubtasks",
			tool: "createSubtasks",
			args: `{"subtasks":[{"input":"a"},{"input":"b","agentCode":"x"}],"failurePolicy":"tolerate"}`,
			check: func(t *testing.T, d *Decision) {
				assert.Len(t, d.Subtasks, 2)
				assert.Equal(t, domain.FailurePolicyTolerate, d.FailurePolicy)
			},
		},
		{name: "createSubtasks empty", tool: "createSubtasks", args: `{"subtasks":[]}`, wantErr: true},
		{name: "createSubtasks bad policy", tool: "createSubtasks", args: `{"subtasks":[{"input":"a"}],"failurePolicy":"maybe"}`, wantErr: true},
		{name: "askUserForInput without question", tool: "askUserForInput", args: `{}`, wantErr: true},
		{
			name: "triggerWait",
			tool: "triggerWait",
			args: `{"eventId":"evt-9"}`,
			check: func(t *testing.T, d *Decision) {
				assert.Equal(t, "evt-9", d.EventID)
			},
		},
		{name: "triggerWait with separator", tool: "triggerWait", args: `{"eventId":"a|b"}`, wantErr: true},
		{name: "unknown tool", tool: "rm -rf", args: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseToolCall(llm.ToolCall{Name: tt.tool, Arguments: json.RawMessage(tt.args)})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsInvalid(err))
				return
			}
			require.NoError(t, err)
			tt.check(t, d)
		})
	}
}

func TestTools(t *testing.T) {
	names := func(tools []llm.Tool) []string {
		var out []string
		for _, tool := range tools {
			out = append(out, tool.Name)
		}
		return out
	}

	assert.Contains(t, names(Tools(true)), "createSubtasks")
	assert.NotContains(t, names(Tools(false)), "createSubtasks")
	assert.Len(t, Tools(true), 6)
}

func TestRegistry_Fallback(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("any")
	var noAgent *NoAgentError
	require.ErrorAs(t, err, &noAgent)

	first := Func{Name: "first"}
	second := Func{Name: "second"}
	r.Register(first)
	r.Register(second)

	a, err := r.Get("second")
	require.NoError(t, err)
	assert.Equal(t, "second", a.Code())

	a, err = r.Get("unknown")
	require.NoError(t, err)
	assert.Equal(t, "first", a.Code())

	r.SetDefault("second")
	a, err = r.Get("unknown")
	require.NoError(t, err)
	assert.Equal(t, "second", a.Code())
}

func testRequest() *Request {
	flowID := uuid.New()
	runID := uuid.New()
	rootID := uuid.New()
	return &Request{
		Flow: &domain.Flow{ID: flowID, Task: "find the cheapest flight"},
		Run:  &domain.Run{ID: runID, FlowID: flowID, AccountID: uuid.New()},
		Node: &domain.Node{
			ID: rootID, RunID: runID, Input: "find the cheapest flight",
			Status: domain.StatusRunning, Data: domain.NewRootNodeData(""),
		},
		Messages: []domain.MessageLog{{
			Segment: domain.SegmentAgent,
			Role:    domain.RoleAssistant,
			Blocks:  []domain.ContentBlock{domain.TextBlock("opened site"), domain.ImageBlock("aGVsbG8=", "image/png")},
		}},
		MaxSteps: 10,
	}
}

func TestLLMAgent_Decide(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{call("actionCompleted", `{"reason":"found it"}`)}}
	a := NewLLMAgent(LLMConfig{Client: client})

	req := testRequest()
	d, err := a.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ToolActionCompleted, d.Tool)
	assert.Equal(t, "found it", d.Reason)

	require.Len(t, client.requests, 1)
	sent := client.requests[0]
	assert.Equal(t, req.Run.AccountID.String(), sent.AccountID)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, llm.RoleSystem, sent.Messages[0].Role)
	assert.Contains(t, sent.Messages[1].Content, "find the cheapest flight")
	assert.Contains(t, sent.Messages[1].Content, "opened site")
	assert.Equal(t, []string{"data:image/png;base64,aGVsbG8="}, sent.Messages[1].Images)
}

func TestLLMAgent_RetriesInvalidDecision(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		{Content: "I think I am done"},
		call("askUserForInput", `{"question":"Which date?"}`),
	}}
	a := NewLLMAgent(LLMConfig{Client: client})

	d, err := a.Decide(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, ToolAskUserForInput, d.Tool)

	require.Len(t, client.requests, 2)
	retry := client.requests[1].Messages
	last := retry[len(retry)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.True(t, strings.Contains(last.Content, "rejected"))
}

func TestLLMAgent_InvalidExhausted(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{call("doAction", `{}`)}}
	a := NewLLMAgent(LLMConfig{Client: client, InvalidRetries: 1})

	_, err := a.Decide(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, IsInvalid(err))
	assert.Len(t, client.requests, 2)
}

func TestLLMAgent_ClientErrorPassesThrough(t *testing.T) {
	apiErr := &llm.APIError{StatusCode: 503, Body: "overloaded"}
	a := NewLLMAgent(LLMConfig{Client: &scriptedClient{err: apiErr}})

	_, err := a.Decide(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.False(t, IsInvalid(err))
}

func TestLLMAgent_DepthLimit(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		call("createSubtasks", `{"subtasks":[{"input":"x"}]}`),
		call("skipSection", `{"reason":"too deep"}`),
	}}
	a := NewLLMAgent(LLMConfig{Client: client, MaxDepth: 2})

	req := testRequest()
	req.Node.Data = domain.NewChildNodeData(2, 0, "")

	d, err := a.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ToolSkipSection, d.Tool)
	for _, tool := range client.requests[0].Tools {
		assert.NotEqual(t, "createSubtasks", tool.Name)
	}
}

func TestBuildPromptContext(t *testing.T) {
	req := testRequest()
	parentID := req.Node.ID
	req.Children = []domain.Node{
		{Input: "leg 1", Status: domain.StatusCompleted, Result: "$100", ParentNodeID: &parentID, Data: domain.NewChildNodeData(1, 0, "")},
		{Input: "leg 2", Status: domain.StatusError, Error: "timeout", ParentNodeID: &parentID, Data: domain.NewChildNodeData(1, 1, "")},
	}
	req.Messages = append(req.Messages,
		domain.MessageLog{Segment: domain.SegmentUser, Role: domain.RoleUser, Blocks: []domain.ContentBlock{domain.ImageBlock("x", "")}},
	)

	pctx := BuildPromptContext(req, 0)
	assert.Equal(t, "find the cheapest flight", pctx.Task)
	assert.Equal(t, 10, pctx.MaxSteps)
	require.Len(t, pctx.Children, 2)
	assert.Equal(t, 1, pctx.Children[1].Index)
	assert.Equal(t, "timeout", pctx.Children[1].Error)
	// сообщение только с изображением в историю не попадает
	assert.Len(t, pctx.History, 1)

	limited := BuildPromptContext(req, 1)
	assert.Empty(t, limited.History)
}

func TestDecision_ValidateUnknown(t *testing.T) {
	err := (&Decision{Tool: "fly"}).Validate()
	assert.True(t, errors.Is(err, ErrInvalidDecision))
}
