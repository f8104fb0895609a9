// Package turn drives a single prompt turn: it feeds the backend agent,
// translates its event stream into ordered session/update notifications, and
// enforces stop reasons and cancellation semantics.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/backend"
	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/contextmon"
	"github.com/agentbridge/agentbridge/internal/guard"
	"github.com/agentbridge/agentbridge/internal/permission"
	"github.com/agentbridge/agentbridge/internal/session"
	"github.com/agentbridge/agentbridge/pkg/acp/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// progressDelay is how long a tool call stays pending before the bridge
// reports it in progress.
const progressDelay = 100 * time.Millisecond

// Inline permission markers recognized in prompt text. First match wins and
// mutates the session's mode for this turn onward.
var inlineMarkers = []struct {
	marker string
	mode   string
}{
	{"[ACP:PERMISSION:ACCEPT_EDITS]", config.PermissionAcceptEdits},
	{"[ACP:PERMISSION:BYPASS]", config.PermissionBypass},
	{"[ACP:PERMISSION:DEFAULT]", config.PermissionDefault},
}

// RPC is the slice of the endpoint the executor needs.
type RPC interface {
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	SendNotification(method string, params any) error
}

// Executor runs prompt turns against the backend agent.
type Executor struct {
	agent    backend.Agent
	breaker  *guard.Breaker
	guard    *guard.ResourceGuard
	monitor  *contextmon.Monitor
	broker   *permission.Broker
	rpc      RPC
	maxTurns int
	logger   *logger.Logger
}

// NewExecutor wires the turn executor to its collaborators.
func NewExecutor(agent backend.Agent, breaker *guard.Breaker, g *guard.ResourceGuard,
	monitor *contextmon.Monitor, broker *permission.Broker, rpc RPC, maxTurns int,
	log *logger.Logger) *Executor {
	return &Executor{
		agent:    agent,
		breaker:  breaker,
		guard:    g,
		monitor:  monitor,
		broker:   broker,
		rpc:      rpc,
		maxTurns: maxTurns,
		logger:   log.WithComponent("turn-executor"),
	}
}

// Run executes one turn. The caller holds the session lock; Run returns the
// stop reason for the prompt response. An error return means the bridge's
// own scaffolding failed and a method error should go to the host instead.
func (e *Executor) Run(ctx context.Context, s *session.Session, handle *session.TurnHandle,
	blocks []protocol.ContentBlock) (string, error) {

	prompt := concatText(blocks)
	applyInlineMode(s, prompt)

	em := &emitter{rpc: e.rpc, sessionID: s.ID, logger: e.logger}

	// Advisory context warning, in-band.
	switch e.monitor.AddMessage(s.ID, prompt) {
	case contextmon.LevelWarning:
		em.messageChunk("[context] Conversation is approaching the context window limit; consider starting a new session.")
	case contextmon.LevelCritical:
		em.messageChunk("[context] Conversation is nearly at the context window limit; responses may be truncated.")
	}

	opID := "turn-" + uuid.NewString()
	if !e.guard.StartOperation(opID) {
		return "", errors.ResourceExhausted("operation limit or memory pressure")
	}
	defer e.guard.FinishOperation(opID)
	e.monitor.AddTurn(s.ID)

	// The breaker accounts whole turns: admission here, the outcome when the
	// stream reaches its terminal event. A start failure and a stream that
	// dies mid-turn count the same.
	if err := e.breaker.Admit(); err != nil {
		em.messageChunk("The backend service is temporarily unavailable. Please try again shortly.")
		return protocol.StopEndTurn, nil
	}

	stream, err := e.agent.StartTurn(ctx, backend.TurnRequest{
		Prompt:         prompt,
		ResumeID:       s.BackendHandle(),
		MaxTurns:       e.maxTurns,
		PermissionMode: s.PermissionMode(),
	})
	if err != nil {
		e.breaker.RecordFailure()
		// Backend failure before the stream opened; surface in-band.
		e.logger.Error("failed to start backend turn", zap.Error(err))
		em.messageChunk(fmt.Sprintf("Backend error: %v", err))
		return protocol.StopEndTurn, nil
	}

	debouncer := newPlanDebouncer(func() { em.plan(s.Plan()) })
	defer debouncer.Stop()

	if isComplexPrompt(prompt) {
		s.SetPlan(synthesizePlan(prompt))
		em.plan(s.Plan())
	}

	return e.eventLoop(ctx, s, handle, stream, em, debouncer), nil
}

// eventLoop consumes backend events until the stream ends or the cancel
// token fires.
func (e *Executor) eventLoop(ctx context.Context, s *session.Session, handle *session.TurnHandle,
	stream *backend.TurnStream, em *emitter, debouncer *planDebouncer) string {

	turnCtx := handle.Context()
	for {
		select {
		case <-turnCtx.Done():
			return e.cancelTurn(s, stream, em, debouncer)

		case ev, ok := <-stream.Events():
			if !ok {
				// Defensive: adapters terminate with turn_end or turn_error.
				e.finishTurn(s, em, debouncer)
				return protocol.StopEndTurn
			}
			handle.CountEvent()

			switch ev.Type {
			case backend.EventSessionAssigned:
				s.SetBackendHandle(ev.SessionID)
			case backend.EventAssistantText:
				e.monitor.AddMessage(s.ID, ev.Text)
				em.messageChunk(ev.Text)
			case backend.EventAssistantThought:
				em.thoughtChunk(ev.Text)
			case backend.EventToolUse:
				e.handleToolUse(turnCtx, s, ev, em)
			case backend.EventToolResult:
				e.handleToolResult(s, ev, em, debouncer)
			case backend.EventToolError:
				e.handleToolError(s, ev, em)
			case backend.EventTurnEnd:
				e.breaker.RecordSuccess()
				e.finishTurn(s, em, debouncer)
				return protocol.StopEndTurn
			case backend.EventTurnError:
				if ev.AdapterFailure {
					// A dead child or broken stream is a reachability
					// failure, same as a failed start.
					e.breaker.RecordFailure()
				}
				e.logger.Warn("backend turn error", zap.String("message", ev.Text))
				em.messageChunk(fmt.Sprintf("Backend error: %s", ev.Text))
				e.finishTurn(s, em, debouncer)
				return protocol.StopEndTurn
			}
		}
	}
}

// handleToolUse records the call, reports it to the host, and gates it
// through the permission broker. Permission prompts are serial: the event
// loop blocks here until the host answers.
func (e *Executor) handleToolUse(ctx context.Context, s *session.Session, ev backend.Event, em *emitter) {
	in := parseToolInput(ev.Input)
	kind := classifyKind(ev.ToolName)

	rec := &session.ToolCallRecord{
		ID:        ev.ToolID,
		Kind:      kind,
		Title:     toolTitle(ev.ToolName, in),
		Status:    protocol.ToolStatusPending,
		Locations: toolLocations(in),
		RawInput:  ev.Input,
	}
	s.PutToolCall(rec)
	em.toolCall(rec)

	allowed, err := e.broker.Check(ctx, s.ID, s.PermissionMode(), s.CWD,
		toolOperation(ev.ToolName, kind, ev.Input, in),
		protocol.PermissionToolCall{
			ToolCallID: rec.ID,
			Title:      rec.Title,
			Kind:       rec.Kind,
			RawInput:   rec.RawInput,
		})
	if err != nil {
		e.logger.Error("permission check failed", zap.Error(err))
		allowed = false
	}

	if !allowed {
		em.terminalToolUpdate(rec, protocol.ToolStatusFailed,
			[]protocol.ContentBlock{protocol.TextBlock("Permission denied")})
		s.RemoveToolCall(rec.ID)
		return
	}

	// Report progress once the call has visibly started.
	em.scheduleProgress(rec)
}

func (e *Executor) handleToolResult(s *session.Session, ev backend.Event, em *emitter, debouncer *planDebouncer) {
	rec, ok := s.ToolCall(ev.ToolID)
	if !ok {
		e.logger.Debug("result for unknown tool call", zap.String("tool_id", ev.ToolID))
		return
	}

	em.terminalToolUpdate(rec, protocol.ToolStatusCompleted, resultContent(rec, ev))
	s.RemoveToolCall(rec.ID)

	s.SetPlan(advancePlan(s.Plan()))
	debouncer.Trigger()
}

func (e *Executor) handleToolError(s *session.Session, ev backend.Event, em *emitter) {
	rec, ok := s.ToolCall(ev.ToolID)
	if !ok {
		return
	}
	em.terminalToolUpdate(rec, protocol.ToolStatusFailed,
		[]protocol.ContentBlock{protocol.TextBlock(ev.Text)})
	s.RemoveToolCall(rec.ID)
}

// finishTurn closes out a completed turn: the plan flushes and any tool call
// still pending or in progress is failed, so no update for this turn can
// trail the prompt response.
func (e *Executor) finishTurn(s *session.Session, em *emitter, debouncer *planDebouncer) {
	debouncer.Flush()
	for _, rec := range s.ActiveToolCalls() {
		em.terminalToolUpdate(rec, protocol.ToolStatusFailed,
			[]protocol.ContentBlock{protocol.TextBlock("Tool call did not complete")})
		s.RemoveToolCall(rec.ID)
	}
}

// cancelTurn stops event consumption, fails all non-terminal tool calls,
// flushes their updates and aborts the backend stream. The prompt response
// goes out promptly; it does not wait for the backend.
func (e *Executor) cancelTurn(s *session.Session, stream *backend.TurnStream, em *emitter, debouncer *planDebouncer) string {
	stream.Cancel()
	debouncer.Stop()

	for _, rec := range s.ActiveToolCalls() {
		em.terminalToolUpdate(rec, protocol.ToolStatusFailed,
			[]protocol.ContentBlock{protocol.TextBlock("Tool call cancelled")})
		s.RemoveToolCall(rec.ID)
	}

	e.logger.Info("turn cancelled", zap.String("session_id", s.ID))
	return protocol.StopCancelled
}

// resultContent builds the content for a completed tool call, synthesizing a
// diff block for edits and creations.
func resultContent(rec *session.ToolCallRecord, ev backend.Event) []protocol.ContentBlock {
	in := parseToolInput(rec.RawInput)
	if p := in.path(); p != "" {
		if in.OldString != "" || in.NewString != "" {
			return []protocol.ContentBlock{protocol.DiffBlock(p, in.OldString, in.NewString)}
		}
		if in.Content != "" {
			return []protocol.ContentBlock{protocol.DiffBlock(p, "", in.Content)}
		}
	}
	if text := outputText(ev.Output); text != "" {
		return []protocol.ContentBlock{protocol.TextBlock(text)}
	}
	return nil
}

// outputText renders an opaque tool output as display text.
func outputText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func concatText(blocks []protocol.ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// applyInlineMode scans for permission markers; the earliest occurrence
// wins.
func applyInlineMode(s *session.Session, prompt string) {
	first := -1
	mode := ""
	for _, m := range inlineMarkers {
		if i := strings.Index(prompt, m.marker); i >= 0 && (first < 0 || i < first) {
			first = i
			mode = m.mode
		}
	}
	if mode != "" {
		s.SetPermissionMode(mode)
	}
}

// emitter serializes all session/update notifications for one turn so that
// the delayed in-progress update can never follow a terminal update.
type emitter struct {
	mu        sync.Mutex
	rpc       RPC
	sessionID string
	logger    *logger.Logger
}

func (em *emitter) send(update protocol.SessionUpdate) {
	notification := protocol.SessionNotification{SessionID: em.sessionID, Update: update}
	if err := em.rpc.SendNotification(protocol.MethodSessionUpdate, notification); err != nil {
		em.logger.Error("failed to send session update", zap.Error(err))
	}
}

func (em *emitter) messageChunk(text string) {
	em.mu.Lock()
	defer em.mu.Unlock()
	block := protocol.TextBlock(text)
	em.send(protocol.SessionUpdate{SessionUpdate: protocol.UpdateAgentMessageChunk, Content: &block})
}

func (em *emitter) thoughtChunk(text string) {
	em.mu.Lock()
	defer em.mu.Unlock()
	block := protocol.TextBlock(text)
	em.send(protocol.SessionUpdate{SessionUpdate: protocol.UpdateAgentThoughtChunk, Content: &block})
}

func (em *emitter) plan(entries []protocol.PlanEntry) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.send(protocol.SessionUpdate{SessionUpdate: protocol.UpdatePlan, Entries: entries})
}

func (em *emitter) toolCall(rec *session.ToolCallRecord) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.send(protocol.SessionUpdate{
		SessionUpdate: protocol.UpdateToolCall,
		ToolCallID:    rec.ID,
		Title:         rec.Title,
		Kind:          rec.Kind,
		Status:        rec.Status,
		RawInput:      rec.RawInput,
		Locations:     rec.Locations,
	})
}

// scheduleProgress reports the call in progress after progressDelay, unless
// it reached a terminal state first.
func (em *emitter) scheduleProgress(rec *session.ToolCallRecord) {
	time.AfterFunc(progressDelay, func() {
		em.mu.Lock()
		defer em.mu.Unlock()
		if rec.Terminal() {
			return
		}
		rec.Status = protocol.ToolStatusInProgress
		em.send(protocol.SessionUpdate{
			SessionUpdate: protocol.UpdateToolCallUpdate,
			ToolCallID:    rec.ID,
			Status:        protocol.ToolStatusInProgress,
		})
	})
}

// terminalToolUpdate transitions the record to its terminal state and emits
// exactly one terminal update for it.
func (em *emitter) terminalToolUpdate(rec *session.ToolCallRecord, status string, content []protocol.ContentBlock) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if rec.Terminal() {
		return
	}
	rec.Status = status
	em.send(protocol.SessionUpdate{
		SessionUpdate: protocol.UpdateToolCallUpdate,
		ToolCallID:    rec.ID,
		Status:        status,
		Blocks:        content,
	})
}
