package agent

import (
	"context"
	"sync"

	"github.com/shaiso/navigator/internal/domain"
)

// Request — состояние node, на основе которого агент принимает решение.
type Request struct {
	Flow *domain.Flow
	Run  *domain.Run
	Node *domain.Node

	// Ancestors — предки node от корня к родителю.
	Ancestors []domain.Node

	// Children — дочерние node (после join все терминальны).
	Children []domain.Node

	// Messages — журнал сообщений run.
	Messages []domain.MessageLog

	// MaxSteps — лимит шагов node (0 — без лимита).
	MaxSteps int
}

// Agent принимает решение для одного шага node.
type Agent interface {
	Code() string
	Decide(ctx context.Context, req *Request) (*Decision, error)
}

// Registry — реестр агентов по agent_code.
//
// Для неизвестного кода возвращается агент по умолчанию, если он задан.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	fallback string
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register добавляет агента. Первый зарегистрированный становится fallback.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents[a.Code()] = a
	if r.fallback == "" {
		r.fallback = a.Code()
	}
}

// SetDefault задаёт агента по умолчанию.
func (r *Registry) SetDefault(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = code
}

// Default возвращает код агента по умолчанию.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Get возвращает агента для кода.
func (r *Registry) Get(code string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.agents[code]; ok {
		return a, nil
	}
	if a, ok := r.agents[r.fallback]; ok {
		return a, nil
	}
	return nil, &NoAgentError{Code: code}
}

// Func — агент из функции. Удобен для тестов и скриптовых агентов.
type Func struct {
	Name string
	Fn   func(ctx context.Context, req *Request) (*Decision, error)
}

func (f Func) Code() string { return f.Name }

func (f Func) Decide(ctx context.Context, req *Request) (*Decision, error) {
	return f.Fn(ctx, req)
}
