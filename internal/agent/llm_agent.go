package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/llm"
	"github.com/shaiso/navigator/internal/prompt"
	"github.com/shaiso/navigator/internal/telemetry"
)

// DefaultCode — agent_code LLM-агента по умолчанию.
const DefaultCode = "navigator"

// LLMConfig — конфигурация LLMAgent.
type LLMConfig struct {
	// Code — agent_code (default: "navigator").
	Code string

	Client   llm.Client
	Template *prompt.Template // default: prompt.DefaultTemplate

	Temperature float64
	MaxTokens   int

	// MaxDepth — максимальная глубина дерева; на ней createSubtasks недоступен (default: 3).
	MaxDepth int

	// HistoryLimit — сколько последних сообщений run попадает в запрос (default: 30).
	HistoryLimit int

	// InvalidRetries — сколько раз переспросить модель после невалидного решения
	// (default: 2, отрицательное значение отключает повторы).
	InvalidRetries int

	Logger *slog.Logger
}

// LLMAgent принимает решения через LLM с вызовом инструментов.
type LLMAgent struct {
	code   string
	client llm.Client
	tmpl   *prompt.Template
	cfg    LLMConfig
	logger *slog.Logger
}

var _ Agent = (*LLMAgent)(nil)

// NewLLMAgent создаёт агента.
func NewLLMAgent(cfg LLMConfig) *LLMAgent {
	if cfg.Code == "" {
		cfg.Code = DefaultCode
	}
	if cfg.Template == nil {
		cfg.Template = prompt.DefaultTemplate
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 30
	}
	if cfg.InvalidRetries < 0 {
		cfg.InvalidRetries = 0
	} else if cfg.InvalidRetries == 0 {
		cfg.InvalidRetries = 2
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &LLMAgent{
		code:   cfg.Code,
		client: cfg.Client,
		tmpl:   cfg.Template,
		cfg:    cfg,
		logger: logger.With("agent", cfg.Code),
	}
}

// Code возвращает agent_code.
func (a *LLMAgent) Code() string {
	return a.code
}

// Decide строит запрос из состояния node и возвращает решение модели.
//
// Невалидный вызов инструмента возвращается модели с описанием ошибки
// не более InvalidRetries раз. Ошибки клиента (в том числе временные)
// возвращаются вызывающему без изменений.
func (a *LLMAgent) Decide(ctx context.Context, req *Request) (*Decision, error) {
	pctx := BuildPromptContext(req, a.cfg.HistoryLimit)
	system, user, err := a.tmpl.Render(pctx)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}

	userMsg := llm.Message{Role: llm.RoleUser, Content: user}
	if img := latestScreenshot(req.Messages); img != "" {
		userMsg.Images = []string{img}
	}
	messages := []llm.Message{{Role: llm.RoleSystem, Content: system}, userMsg}

	accountID := ""
	if req.Run != nil {
		accountID = req.Run.AccountID.String()
	}
	allowSubtasks := req.Node == nil || req.Node.Data.ThreadLevel() < a.cfg.MaxDepth

	for attempt := 0; ; attempt++ {
		resp, err := a.client.Complete(ctx, llm.Request{
			Messages:    messages,
			Tools:       Tools(allowSubtasks),
			Temperature: a.cfg.Temperature,
			MaxTokens:   a.cfg.MaxTokens,
			AccountID:   accountID,
		})
		if err != nil {
			telemetry.DecisionCalls.WithLabelValues(a.code, telemetry.OutcomeFailed).Inc()
			return nil, fmt.Errorf("decision call: %w", err)
		}

		decision, perr := parseResponse(resp)
		if perr == nil && decision.Tool == ToolCreateSubtasks && !allowSubtasks {
			perr = fmt.Errorf("%w: createSubtasks is not available at depth %d", ErrInvalidDecision, a.cfg.MaxDepth)
		}
		if perr == nil {
			telemetry.DecisionCalls.WithLabelValues(a.code, telemetry.OutcomeCompleted).Inc()
			return decision, nil
		}

		if attempt >= a.cfg.InvalidRetries {
			telemetry.DecisionCalls.WithLabelValues(a.code, telemetry.OutcomeFailed).Inc()
			return nil, perr
		}

		telemetry.DecisionCalls.WithLabelValues(a.code, telemetry.OutcomeRetried).Inc()
		a.logger.Warn("invalid decision, asking again", "error", perr, "attempt", attempt+1)

		if resp.Content != "" {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
		}
		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Your previous answer was rejected: %v. Call exactly one of the available tools with valid arguments.", perr),
		})
	}
}

func parseResponse(resp *llm.Response) (*Decision, error) {
	if len(resp.ToolCalls) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDecision, ErrNoToolCall)
	}
	d, err := ParseToolCall(resp.ToolCalls[0])
	if err != nil {
		return nil, err
	}
	if d.Thought == "" {
		d.Thought = resp.Content
	}
	return d, nil
}

// IsInvalid возвращает true, если агент не смог выдать валидное решение.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidDecision)
}

// BuildPromptContext собирает контекст шаблона из состояния node.
func BuildPromptContext(req *Request, historyLimit int) *prompt.Context {
	pctx := &prompt.Context{MaxSteps: req.MaxSteps}

	if req.Flow != nil {
		pctx.Task = req.Flow.Task
	}
	if req.Run != nil {
		pctx.TriggerInput = req.Run.Data.TriggerInput
	}
	if req.Node != nil {
		pctx.Input = req.Node.Input
		pctx.Step = req.Node.Steps
		pctx.ThreadLevel = req.Node.Data.ThreadLevel()
	}

	for _, n := range req.Ancestors {
		pctx.Ancestors = append(pctx.Ancestors, prompt.Frame{
			Level:  n.Data.ThreadLevel(),
			Input:  n.Input,
			Status: string(n.Status),
		})
	}

	for i, n := range req.Children {
		idx := i
		if n.Data.Child != nil {
			idx = n.Data.Child.Index
		}
		pctx.Children = append(pctx.Children, prompt.ChildOutcome{
			Index:  idx,
			Input:  n.Input,
			Status: string(n.Status),
			Result: n.Result,
			Error:  n.Error,
		})
	}

	msgs := req.Messages
	if historyLimit > 0 && len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}
	for i := range msgs {
		text := msgs[i].Text()
		if text == "" {
			continue
		}
		pctx.History = append(pctx.History, prompt.Turn{
			Segment: string(msgs[i].Segment),
			Role:    msgs[i].Role,
			Text:    text,
		})
	}

	return pctx
}

// latestScreenshot возвращает data URI последнего изображения в журнале.
func latestScreenshot(msgs []domain.MessageLog) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		blocks := msgs[i].Blocks
		for j := len(blocks) - 1; j >= 0; j-- {
			b := blocks[j]
			if b.Type != domain.BlockImage || b.Content == "" {
				continue
			}
			mime := b.MimeType
			if mime == "" {
				mime = "image/png"
			}
			return "data:" + mime + ";base64," + b.Content
		}
	}
	return ""
}
