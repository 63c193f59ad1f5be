package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/shaiso/navigator/internal/telemetry"
)

// Default configuration values.
const (
	defaultSessionTTL = 30 * time.Minute
	reaperInterval    = time.Minute
)

// Config — конфигурация Manager.
type Config struct {
	// CDPURL — адрес удалённого Chrome (ws:// или http://host:9222).
	// Пустой — локальный Chrome через exec allocator.
	CDPURL      string
	ChromePath  string
	Headless    bool
	UserDataDir string

	// SessionTTL — простой, после которого сессия закрывается (default: 30m).
	SessionTTL time.Duration

	Logger *slog.Logger
}

// Manager — Provider поверх chromedp: один процесс Chrome, вкладка на run.
type Manager struct {
	cfg    Config
	ttl    time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	sessions    map[uuid.UUID]*Session
	allocCtx    context.Context
	allocCancel context.CancelFunc
	stopReaper  context.CancelFunc
}

var _ Provider = (*Manager)(nil)

// NewManager создаёт Manager и запускает reaper простаивающих сессий.
func NewManager(cfg Config) *Manager {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		ttl:      ttl,
		logger:   logger,
		sessions: make(map[uuid.UUID]*Session),
	}

	reaperCtx, cancel := context.WithCancel(context.Background())
	m.stopReaper = cancel
	go m.reapLoop(reaperCtx)

	return m
}

// Acquire возвращает сессию run, создавая вкладку при необходимости.
func (m *Manager) Acquire(ctx context.Context, runID uuid.UUID) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[runID]; ok {
		if s.Alive() {
			return s, nil
		}
		m.dropLocked(runID)
	}

	s, err := m.newTab(runID)
	if err != nil {
		// Chrome мог упасть: пересоздаём процесс и пробуем ещё раз.
		m.logger.Warn("failed to open browser tab, restarting allocator", "run_id", runID, "error", err)
		m.resetAllocator()
		s, err = m.newTab(runID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	m.sessions[runID] = s
	telemetry.BrowserSessions.Inc()
	m.logger.Info("browser session opened", "run_id", runID)
	return s, nil
}

// Release закрывает сессию run. Повторный вызов безопасен.
func (m *Manager) Release(_ context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[runID]; ok {
		m.dropLocked(runID)
		m.logger.Info("browser session released", "run_id", runID)
	}
	return nil
}

// Healthy проверяет, что у run есть живая сессия.
func (m *Manager) Healthy(_ context.Context, runID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[runID]
	return ok && s.Alive()
}

// Close закрывает все сессии и процесс Chrome.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopReaper != nil {
		m.stopReaper()
		m.stopReaper = nil
	}
	m.resetAllocator()
}

// ensureAllocator лениво запускает Chrome. Вызывается под m.mu.
func (m *Manager) ensureAllocator() {
	if m.allocCtx != nil && m.allocCtx.Err() == nil {
		return
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}

	base := context.Background()

	if url := strings.TrimSpace(m.cfg.CDPURL); url != "" {
		m.allocCtx, m.allocCancel = chromedp.NewRemoteAllocator(base, url)
		return
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", m.cfg.Headless),
		chromedp.Flag("disable-gpu", m.cfg.Headless),
	)
	if path := strings.TrimSpace(m.cfg.ChromePath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	if dir := strings.TrimSpace(m.cfg.UserDataDir); dir != "" {
		profile := filepath.Join(dir, "navigator")
		if err := os.MkdirAll(profile, 0o755); err == nil {
			opts = append(opts, chromedp.UserDataDir(profile))
		}
	}
	m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(base, opts...)
}

// resetAllocator закрывает все вкладки и процесс Chrome. Вызывается под m.mu.
func (m *Manager) resetAllocator() {
	for id := range m.sessions {
		m.dropLocked(id)
	}
	if m.allocCancel != nil {
		m.allocCancel()
		m.allocCancel = nil
		m.allocCtx = nil
	}
}

// newTab открывает вкладку. Вызывается под m.mu.
func (m *Manager) newTab(runID uuid.UUID) (*Session, error) {
	m.ensureAllocator()

	ctx, cancel := chromedp.NewContext(m.allocCtx)
	if err := chromedp.Run(ctx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, err
	}
	return NewSession(runID, ctx, cancel), nil
}

func (m *Manager) dropLocked(runID uuid.UUID) {
	s, ok := m.sessions[runID]
	if !ok {
		return
	}
	s.close()
	delete(m.sessions, runID)
	telemetry.BrowserSessions.Dec()
}

func (m *Manager) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapExpired()
		}
	}
}

func (m *Manager) reapExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if !s.Alive() || time.Since(s.LastUsed()) >= m.ttl {
			m.logger.Info("reaping idle browser session", "run_id", id)
			m.dropLocked(id)
		}
	}
}
