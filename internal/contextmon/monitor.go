// Package contextmon tracks per-session context window usage and emits
// advisory warnings as a conversation approaches the backend's limit. It is
// advisory only; session lifecycle stays with the session manager.
package contextmon

import (
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// ContextLimit is the backend's context window in tokens.
const ContextLimit = 200_000

// Usage ratio thresholds.
const (
	warnRatio     = 0.80
	criticalRatio = 0.95
)

// Level classifies the usage ratio after a message is added.
type Level int

const (
	LevelNone Level = iota
	LevelWarning
	LevelCritical
)

type sessionUsage struct {
	estimatedTokens int
	messages        int
	turnCount       int
	lastActivity    time.Time
}

// Monitor estimates token usage per session.
type Monitor struct {
	mu       sync.Mutex
	sessions map[string]*sessionUsage

	idleThreshold time.Duration
	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once

	now    func() time.Time // test hook
	logger *logger.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithIdleThreshold overrides the idle eviction threshold (default 60 min).
func WithIdleThreshold(d time.Duration) Option {
	return func(m *Monitor) { m.idleThreshold = d }
}

// WithSweepInterval overrides the sweep period (default 10 min).
func WithSweepInterval(d time.Duration) Option {
	return func(m *Monitor) { m.sweepInterval = d }
}

// NewMonitor creates a monitor and starts its periodic idle sweep.
func NewMonitor(log *logger.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		sessions:      make(map[string]*sessionUsage),
		idleThreshold: 60 * time.Minute,
		sweepInterval: 10 * time.Minute,
		stop:          make(chan struct{}),
		now:           time.Now,
		logger:        log.WithComponent("context-monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

// EstimateTokens approximates the token count of a string: ceil(len/4).
func EstimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// AddMessage accumulates the estimated tokens of one message and returns the
// advisory level for the session's new usage ratio.
func (m *Monitor) AddMessage(sessionID, content string) Level {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.sessions[sessionID]
	if !ok {
		u = &sessionUsage{}
		m.sessions[sessionID] = u
	}
	u.estimatedTokens += EstimateTokens(content)
	u.messages++
	u.lastActivity = m.now()

	ratio := float64(u.estimatedTokens) / float64(ContextLimit)
	if ratio > 1 {
		ratio = 1
	}
	switch {
	case ratio >= criticalRatio:
		return LevelCritical
	case ratio >= warnRatio:
		return LevelWarning
	default:
		return LevelNone
	}
}

// AddTurn bumps the turn counter for a session.
func (m *Monitor) AddTurn(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.sessions[sessionID]; ok {
		u.turnCount++
		u.lastActivity = m.now()
	}
}

// Tokens returns the running estimate for a session.
func (m *Monitor) Tokens(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.sessions[sessionID]; ok {
		return u.estimatedTokens
	}
	return 0
}

// Remove drops a session's usage record.
func (m *Monitor) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Close stops the sweep loop.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// sweep evicts usage records idle past the threshold.
func (m *Monitor) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.idleThreshold)
	for id, u := range m.sessions {
		if u.lastActivity.Before(cutoff) {
			delete(m.sessions, id)
			m.logger.Debug("evicted idle usage record", zap.String("session_id", id))
		}
	}
}
