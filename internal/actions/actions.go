package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/shaiso/navigator/internal/browser"
)

// Kind — вид действия.
type Kind string

// Виды действий.
const (
	KindNavigate   Kind = "navigate"
	KindClick      Kind = "click"
	KindType       Kind = "type"
	KindExtract    Kind = "extract"
	KindScroll     Kind = "scroll"
	KindWait       Kind = "wait"
	KindScreenshot Kind = "screenshot"
	KindFetch      Kind = "fetch"
)

// Ошибки действий.
var (
	// ErrUnknownAction — нет executor'а для вида действия.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidAction — действие не прошло валидацию.
	ErrInvalidAction = errors.New("invalid action")

	// ErrNoSession — действию нужен браузер, а сессии нет.
	ErrNoSession = errors.New("action requires a browser session")
)

// Action — одно действие агента.
type Action struct {
	Kind Kind `json:"kind" validate:"required,oneof=navigate click type extract scroll wait screenshot fetch"`

	// URL — для navigate и fetch.
	URL string `json:"url,omitempty" validate:"required_if=Kind navigate,required_if=Kind fetch"`

	// Selector — CSS селектор для click, type, extract, scroll.
	Selector string `json:"selector,omitempty" validate:"required_if=Kind click,required_if=Kind type"`

	// Text — вводимый текст для type.
	Text string `json:"text,omitempty" validate:"required_if=Kind type"`

	// Seconds — длительность wait.
	Seconds float64 `json:"seconds,omitempty" validate:"gte=0,lte=300"`

	// Method, Headers, Body — параметры fetch.
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`

	// Description — пояснение агента (для журнала сообщений).
	Description string `json:"description,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate проверяет обязательные поля действия.
func (a Action) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return nil
}

// NeedsBrowser возвращает true, если действию нужна вкладка.
func (a Action) NeedsBrowser() bool {
	switch a.Kind {
	case KindWait, KindFetch:
		return false
	default:
		return true
	}
}

// String — краткое описание для логов и сообщений.
func (a Action) String() string {
	switch {
	case a.URL != "":
		return fmt.Sprintf("%s %s", a.Kind, a.URL)
	case a.Selector != "":
		return fmt.Sprintf("%s %s", a.Kind, a.Selector)
	default:
		return string(a.Kind)
	}
}

// Result — результат действия.
type Result struct {
	// Output — текстовый итог (извлечённый текст, ответ fetch, URL страницы).
	Output string

	// Screenshot — PNG после действия (может быть пустым).
	Screenshot []byte

	// URL — адрес страницы после действия.
	URL string
}

// Executor выполняет действие одного вида.
//
// sess равен nil для действий, которым не нужен браузер.
type Executor interface {
	Execute(ctx context.Context, sess *browser.Session, action Action) (*Result, error)
}

// ExecutorFunc — адаптер функции к Executor.
type ExecutorFunc func(ctx context.Context, sess *browser.Session, action Action) (*Result, error)

// Execute вызывает f.
func (f ExecutorFunc) Execute(ctx context.Context, sess *browser.Session, action Action) (*Result, error) {
	return f(ctx, sess, action)
}

// Registry — реестр executor'ов по виду действия.
type Registry struct {
	mu        sync.RWMutex
	executors map[Kind]Executor
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[Kind]Executor)}
}

// NewDefaultRegistry создаёт реестр со всеми встроенными действиями.
func NewDefaultRegistry(cfg Config) *Registry {
	r := NewRegistry()
	cdp := newChromeExecutors(cfg)
	r.Register(KindNavigate, ExecutorFunc(cdp.navigate))
	r.Register(KindClick, ExecutorFunc(cdp.click))
	r.Register(KindType, ExecutorFunc(cdp.typeText))
	r.Register(KindExtract, ExecutorFunc(cdp.extract))
	r.Register(KindScroll, ExecutorFunc(cdp.scroll))
	r.Register(KindScreenshot, ExecutorFunc(cdp.screenshot))
	r.Register(KindWait, &WaitExecutor{})
	r.Register(KindFetch, &FetchExecutor{Timeout: cfg.FetchTimeout})
	return r
}

// Register добавляет executor для вида действия.
func (r *Registry) Register(kind Kind, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = executor
}

// Get возвращает executor для вида действия.
func (r *Registry) Get(kind Kind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, kind)
	}
	return executor, nil
}

// Execute валидирует действие и выполняет его.
func (r *Registry) Execute(ctx context.Context, sess *browser.Session, action Action) (*Result, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}
	if action.NeedsBrowser() && sess == nil {
		return nil, ErrNoSession
	}

	executor, err := r.Get(action.Kind)
	if err != nil {
		return nil, err
	}
	return executor.Execute(ctx, sess, action)
}
