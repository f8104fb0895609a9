package session

import (
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/contextmon"
	"github.com/agentbridge/agentbridge/internal/guard"
	"github.com/agentbridge/agentbridge/pkg/acp/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns the session map. The map lock is held only for add, remove
// and lookup; individual sessions carry their own mutexes.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	defaultMode string
	guard       *guard.ResourceGuard
	monitor     *contextmon.Monitor
	logger      *logger.Logger
}

// NewManager creates a session manager.
func NewManager(defaultMode string, g *guard.ResourceGuard, monitor *contextmon.Monitor, log *logger.Logger) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		defaultMode: defaultMode,
		guard:       g,
		monitor:     monitor,
		logger:      log.WithComponent("session-manager"),
	}
}

// Create makes a new session with a fresh id. It fails with a resource
// error when the guard denies admission.
func (m *Manager) Create(cwd string, mcpServers []protocol.MCPServer) (*Session, error) {
	if !m.guard.AddSession() {
		return nil, errors.ResourceExhausted("maximum concurrent sessions reached")
	}

	s := m.newSession(uuid.NewString(), cwd, mcpServers)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session created", zap.String("session_id", s.ID), zap.String("cwd", cwd))
	return s, nil
}

// Adopt returns the existing session with the given id, or creates a fresh
// memory-only session bound to it. No history is replayed.
func (m *Manager) Adopt(sessionID, cwd string, mcpServers []protocol.MCPServer) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	if !m.guard.AddSession() {
		return nil, errors.ResourceExhausted("maximum concurrent sessions reached")
	}

	s := m.newSession(sessionID, cwd, mcpServers)
	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.logger.Info("session adopted", zap.String("session_id", sessionID))
	return s, nil
}

// Get looks a session up by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.SessionNotFound(sessionID)
	}
	return s, nil
}

// Cancel fires the cancel token of the session's in-flight turn, if any.
// Idempotent; unknown sessions are ignored.
func (m *Manager) Cancel(sessionID string) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.logger.Info("cancelling session", zap.String("session_id", sessionID))
	s.CancelTurn()
}

// Dispose cancels the in-flight turn, releases guard resources and removes
// the session from the map.
func (m *Manager) Dispose(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.CancelTurn()
	m.guard.RemoveSession()
	m.monitor.Remove(sessionID)
	m.logger.Info("session disposed", zap.String("session_id", sessionID))
}

// DisposeAll tears down every session; used at shutdown.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Dispose(id)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) newSession(id, cwd string, mcpServers []protocol.MCPServer) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		CWD:            cwd,
		permissionMode: m.defaultMode,
		toolCalls:      make(map[string]*ToolCallRecord),
		mcpServers:     mcpServers,
		createdAt:      now,
		lastActivity:   now,
	}
}
