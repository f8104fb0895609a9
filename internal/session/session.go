// Package session owns per-session state and lifecycle: creation, adoption,
// per-session mutual exclusion and cancellation propagation.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/pkg/acp/protocol"
)

// Turn outcomes recorded on the handle once known.
const (
	OutcomeEndTurn   = "end_turn"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// TurnHandle tracks the at-most-one in-flight turn of a session.
type TurnHandle struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	startedAt  time.Time
	eventCount int
	outcome    string
}

func newTurnHandle(parent context.Context) *TurnHandle {
	ctx, cancel := context.WithCancel(parent)
	return &TurnHandle{ctx: ctx, cancel: cancel, startedAt: time.Now()}
}

// Context is cancelled when session/cancel arrives or the session is
// disposed.
func (h *TurnHandle) Context() context.Context {
	return h.ctx
}

// Cancel fires the turn's cancel token. Idempotent.
func (h *TurnHandle) Cancel() {
	h.cancel()
}

// CountEvent increments the turn's event counter.
func (h *TurnHandle) CountEvent() {
	h.mu.Lock()
	h.eventCount++
	h.mu.Unlock()
}

// Finish records the turn outcome.
func (h *TurnHandle) Finish(outcome string) {
	h.mu.Lock()
	h.outcome = outcome
	h.mu.Unlock()
	h.cancel()
}

// ToolCallRecord tracks one tool call through its lifecycle.
type ToolCallRecord struct {
	ID        string
	Kind      string
	Title     string
	Status    string
	Locations []protocol.ToolLocation
	RawInput  json.RawMessage
	Diff      *protocol.ContentBlock
}

// Terminal reports whether the record reached completed or failed.
func (r *ToolCallRecord) Terminal() bool {
	return r.Status == protocol.ToolStatusCompleted || r.Status == protocol.ToolStatusFailed
}

// Session is the bridge-side state of one host conversation. It is owned
// exclusively by the Manager; the turn executor borrows it while holding the
// session lock.
type Session struct {
	ID  string
	CWD string

	// turnMu is the session lock. A turn executor holds it for the entire
	// turn; TryLock failure is the "session busy" branch.
	turnMu sync.Mutex

	mu             sync.Mutex
	permissionMode string
	backendHandle  string
	inFlight       *TurnHandle
	plan           []protocol.PlanEntry
	toolCalls      map[string]*ToolCallRecord
	mcpServers     []protocol.MCPServer
	createdAt      time.Time
	lastActivity   time.Time
}

// TryBeginTurn acquires the session lock and installs a fresh turn handle.
// It returns nil when another turn is already in flight.
func (s *Session) TryBeginTurn(parent context.Context) *TurnHandle {
	if !s.turnMu.TryLock() {
		return nil
	}
	handle := newTurnHandle(parent)
	s.mu.Lock()
	s.inFlight = handle
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return handle
}

// EndTurn releases the session lock and clears the in-flight handle.
func (s *Session) EndTurn(outcome string) {
	s.mu.Lock()
	if s.inFlight != nil {
		s.inFlight.Finish(outcome)
		s.inFlight = nil
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.turnMu.Unlock()
}

// CancelTurn fires the in-flight turn's cancel token, if any. Idempotent.
func (s *Session) CancelTurn() {
	s.mu.Lock()
	handle := s.inFlight
	s.mu.Unlock()
	if handle != nil {
		handle.Cancel()
	}
}

// PermissionMode returns the session's current mode.
func (s *Session) PermissionMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissionMode
}

// SetPermissionMode mutates the mode for this turn onward.
func (s *Session) SetPermissionMode(mode string) {
	s.mu.Lock()
	s.permissionMode = mode
	s.mu.Unlock()
}

// BackendHandle returns the backend-supplied conversation id, if assigned.
func (s *Session) BackendHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendHandle
}

// SetBackendHandle stores the backend-supplied conversation id.
func (s *Session) SetBackendHandle(id string) {
	s.mu.Lock()
	s.backendHandle = id
	s.mu.Unlock()
}

// Plan returns the latest plan snapshot.
func (s *Session) Plan() []protocol.PlanEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.PlanEntry(nil), s.plan...)
}

// SetPlan replaces the current plan.
func (s *Session) SetPlan(entries []protocol.PlanEntry) {
	s.mu.Lock()
	s.plan = append([]protocol.PlanEntry(nil), entries...)
	s.mu.Unlock()
}

// PutToolCall stores or replaces a tool call record.
func (s *Session) PutToolCall(rec *ToolCallRecord) {
	s.mu.Lock()
	s.toolCalls[rec.ID] = rec
	s.mu.Unlock()
}

// ToolCall looks up an active tool call record.
func (s *Session) ToolCall(id string) (*ToolCallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.toolCalls[id]
	return rec, ok
}

// RemoveToolCall drops a record once it is terminal and its final update has
// been sent.
func (s *Session) RemoveToolCall(id string) {
	s.mu.Lock()
	delete(s.toolCalls, id)
	s.mu.Unlock()
}

// ActiveToolCalls returns the non-terminal records, for cancellation flush.
func (s *Session) ActiveToolCalls() []*ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ToolCallRecord
	for _, rec := range s.toolCalls {
		if !rec.Terminal() {
			out = append(out, rec)
		}
	}
	return out
}

// MCPServers returns the servers declared at session creation.
func (s *Session) MCPServers() []protocol.MCPServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mcpServers
}
