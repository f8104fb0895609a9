// Package backend abstracts the local coding-assistant behind a uniform
// Agent interface. Two adapters ship: an interactive subprocess speaking a
// newline-delimited JSON line protocol, and an HTTP completion API.
package backend

import (
	"context"
	"encoding/json"
)

// EventType discriminates backend events.
type EventType string

const (
	EventSessionAssigned  EventType = "session_assigned"
	EventAssistantText    EventType = "assistant_text"
	EventAssistantThought EventType = "assistant_thought"
	EventToolUse          EventType = "tool_use"
	EventToolResult       EventType = "tool_result"
	EventToolError        EventType = "tool_error"
	EventTurnEnd          EventType = "turn_end"
	EventTurnError        EventType = "turn_error"
)

// Event is one element of a backend turn stream. Adapters produce a total,
// finite stream terminated by turn_end or turn_error, emit tool_use before
// the matching tool_result or tool_error, and emit session_assigned at most
// once per turn.
type Event struct {
	Type EventType

	// session_assigned
	SessionID string

	// assistant_text, assistant_thought, turn_error, tool_error
	Text string

	// tool_use, tool_result, tool_error
	ToolID   string
	ToolName string
	Input    json.RawMessage
	Output   json.RawMessage

	// turn_error: set when the failure is the adapter's own (child exit,
	// broken stream) rather than an error the backend reported.
	AdapterFailure bool
}

// TurnRequest describes one prompt turn.
type TurnRequest struct {
	Prompt         string
	ResumeID       string // backend conversation handle, if previously assigned
	MaxTurns       int    // 0 means unlimited
	PermissionMode string
}

// TurnStream delivers the events of one in-flight turn.
type TurnStream struct {
	events <-chan Event
	cancel func()
}

// NewTurnStream pairs an event channel with a best-effort abort function.
func NewTurnStream(events <-chan Event, cancel func()) *TurnStream {
	return &TurnStream{events: events, cancel: cancel}
}

// Events returns the turn's event channel. It is closed after the terminal
// event.
func (s *TurnStream) Events() <-chan Event {
	return s.events
}

// Cancel aborts the backend stream. Best effort; it does not wait for the
// backend to release resources.
func (s *TurnStream) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Agent is the narrow contract between the bridge and a backend.
type Agent interface {
	// Authenticate verifies credentials with the backend.
	Authenticate(ctx context.Context) error

	// StartTurn begins a streaming turn.
	StartTurn(ctx context.Context, req TurnRequest) (*TurnStream, error)

	// Version reports the backend version, when known.
	Version(ctx context.Context) (string, error)

	// Name identifies the adapter for logs and diagnostics.
	Name() string

	// Close releases adapter resources.
	Close() error
}
