package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ошибки браузерных сессий.
var (
	// ErrSessionClosed — вкладка или процесс Chrome завершились.
	ErrSessionClosed = errors.New("browser session closed")

	// ErrUnavailable — не удалось создать сессию.
	ErrUnavailable = errors.New("browser unavailable")
)

const defaultActionTimeout = 60 * time.Second

// Provider выдаёт браузерную сессию run.
//
// Сессия принадлежит одному run и не разделяется между runs.
// Release вызывается, когда run завершён (в том числе с ошибкой).
type Provider interface {
	Acquire(ctx context.Context, runID uuid.UUID) (*Session, error)
	Release(ctx context.Context, runID uuid.UUID) error
}

// Session — вкладка Chrome, закреплённая за run.
type Session struct {
	RunID     uuid.UUID
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lastUsed time.Time
}

// NewSession оборачивает chromedp context. cancel закрывает вкладку.
func NewSession(runID uuid.UUID, ctx context.Context, cancel context.CancelFunc) *Session {
	now := time.Now()
	return &Session{RunID: runID, CreatedAt: now, ctx: ctx, cancel: cancel, lastUsed: now}
}

// Alive проверяет, что вкладка не закрыта.
func (s *Session) Alive() bool {
	return s != nil && s.ctx != nil && s.ctx.Err() == nil
}

// LastUsed возвращает время последнего действия.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Run выполняет fn в контексте вкладки с таймаутом.
// Отмена callCtx прерывает действие. Действия одной сессии сериализуются.
func (s *Session) Run(callCtx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if !s.Alive() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()

	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	stop := context.AfterFunc(callCtx, cancel)
	defer stop()

	err := fn(runCtx)
	if err != nil && s.ctx.Err() != nil {
		return errors.Join(ErrSessionClosed, err)
	}
	return err
}

func (s *Session) close() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}
