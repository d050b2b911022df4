package sync

import (
	"context"
	"errors"
	"sync"
)

// ErrSyncRunning means a manual pass for the user is already in flight.
var ErrSyncRunning = errors.New("sync already running for user")

// Manager guards manual sync passes: at most one in flight per user, with
// cancellation of everything on shutdown. Webhook passes are not guarded
// here; overlapping passes converge through the store's dedup key.
type Manager struct {
	engine *Engine

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewManager(engine *Engine) *Manager {
	return &Manager{
		engine:  engine,
		running: make(map[string]context.CancelFunc),
	}
}

// ManualSync runs a manual pass for the user, rejecting a second concurrent
// request for the same user.
func (m *Manager) ManualSync(ctx context.Context, userID string, maxResults int64) (*Report, error) {
	m.mu.Lock()
	if _, exists := m.running[userID]; exists {
		m.mu.Unlock()
		return nil, ErrSyncRunning
	}
	passCtx, cancel := context.WithCancel(ctx)
	m.running[userID] = cancel
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.running, userID)
		m.mu.Unlock()
	}()

	return m.engine.ManualSync(passCtx, userID, maxResults)
}

// IsRunning reports whether a manual pass is in flight for the user.
func (m *Manager) IsRunning(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.running[userID]
	return exists
}

// StopAll cancels every in-flight pass. Item upserts are atomic, so an
// abandoned pass leaves no partial writes.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, cancel := range m.running {
		cancel()
		delete(m.running, userID)
	}
}
