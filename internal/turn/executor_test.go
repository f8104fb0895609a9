package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentbridge/agentbridge/internal/backend"
	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/contextmon"
	"github.com/agentbridge/agentbridge/internal/guard"
	"github.com/agentbridge/agentbridge/internal/permission"
	"github.com/agentbridge/agentbridge/internal/session"
	"github.com/agentbridge/agentbridge/pkg/acp/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRPC captures outbound notifications and answers permission requests
// with a scripted outcome.
type fakeRPC struct {
	mu              sync.Mutex
	notifications   []protocol.SessionNotification
	permission      protocol.PermissionOutcome
	permissionCalls int
}

func (f *fakeRPC) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.permissionCalls++
	outcome := f.permission
	f.mu.Unlock()
	return json.Marshal(protocol.RequestPermissionResult{Outcome: outcome})
}

func (f *fakeRPC) SendNotification(method string, params any) error {
	n, ok := params.(protocol.SessionNotification)
	if !ok {
		return fmt.Errorf("unexpected notification payload %T", params)
	}
	f.mu.Lock()
	f.notifications = append(f.notifications, n)
	f.mu.Unlock()
	return nil
}

func (f *fakeRPC) updates(kind string) []protocol.SessionUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.SessionUpdate
	for _, n := range f.notifications {
		if n.Update.SessionUpdate == kind {
			out = append(out, n.Update)
		}
	}
	return out
}

func (f *fakeRPC) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permissionCalls
}

// fakeAgent replays a scripted event sequence. When hold is set it keeps the
// stream open after the script until the turn context is cancelled.
type fakeAgent struct {
	events   []backend.Event
	hold     bool
	startErr error

	mu     sync.Mutex
	starts int
}

func (a *fakeAgent) StartTurn(ctx context.Context, req backend.TurnRequest) (*backend.TurnStream, error) {
	a.mu.Lock()
	a.starts++
	a.mu.Unlock()
	if a.startErr != nil {
		return nil, a.startErr
	}

	turnCtx, cancel := context.WithCancel(ctx)
	events := make(chan backend.Event)
	go func() {
		defer close(events)
		for _, ev := range a.events {
			select {
			case events <- ev:
			case <-turnCtx.Done():
				return
			}
		}
		if a.hold {
			<-turnCtx.Done()
		}
	}()
	return backend.NewTurnStream(events, cancel), nil
}

func (a *fakeAgent) Authenticate(context.Context) error      { return nil }
func (a *fakeAgent) Version(context.Context) (string, error) { return "test", nil }
func (a *fakeAgent) Name() string                            { return "fake" }
func (a *fakeAgent) Close() error                            { return nil }

func (a *fakeAgent) started() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts
}

type executorFixture struct {
	executor *Executor
	rpc      *fakeRPC
	agent    *fakeAgent
	breaker  *guard.Breaker
	sessions *session.Manager
}

func newExecutorFixture(t *testing.T, agent *fakeAgent) *executorFixture {
	t.Helper()
	log := logger.Default()

	g := guard.NewResourceGuard(guard.DefaultLimits(), log)
	g.SetMemoryFunc(func() int { return 100 })

	monitor := contextmon.NewMonitor(log, contextmon.WithSweepInterval(time.Hour))
	t.Cleanup(monitor.Close)

	rpc := &fakeRPC{permission: protocol.PermissionOutcome{
		Outcome: protocol.OutcomeSelected, OptionID: protocol.PermissionAllowOnce,
	}}
	breaker := guard.NewBreaker(guard.DefaultBreakerConfig(), log)
	broker := permission.NewBroker(rpc, log)
	sessions := session.NewManager(config.PermissionDefault, g, monitor, log)

	return &executorFixture{
		executor: NewExecutor(agent, breaker, g, monitor, broker, rpc, 0, log),
		rpc:      rpc,
		agent:    agent,
		breaker:  breaker,
		sessions: sessions,
	}
}

func (fx *executorFixture) runPrompt(t *testing.T, prompt string) (string, *session.Session) {
	t.Helper()
	s, err := fx.sessions.Create("/work", nil)
	require.NoError(t, err)
	return fx.runPromptOn(t, s, prompt), s
}

func (fx *executorFixture) runPromptOn(t *testing.T, s *session.Session, prompt string) string {
	t.Helper()
	handle := s.TryBeginTurn(context.Background())
	require.NotNil(t, handle)

	stop, err := fx.executor.Run(context.Background(), s, handle,
		[]protocol.ContentBlock{protocol.TextBlock(prompt)})
	require.NoError(t, err)

	if stop == protocol.StopCancelled {
		s.EndTurn(session.OutcomeCancelled)
	} else {
		s.EndTurn(session.OutcomeEndTurn)
	}
	return stop
}

func toolUse(id, name, input string) backend.Event {
	return backend.Event{
		Type: backend.EventToolUse, ToolID: id, ToolName: name,
		Input: json.RawMessage(input),
	}
}

func TestExecutorStreamsText(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		{Type: backend.EventAssistantText, Text: "Hello"},
		{Type: backend.EventAssistantText, Text: " world"},
		{Type: backend.EventTurnEnd},
	}}
	fx := newExecutorFixture(t, agent)

	stop, _ := fx.runPrompt(t, "say hello")
	assert.Equal(t, protocol.StopEndTurn, stop)

	chunks := fx.rpc.updates(protocol.UpdateAgentMessageChunk)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hello", chunks[0].Content.Text)
	assert.Equal(t, " world", chunks[1].Content.Text)
}

func TestExecutorThoughtChunks(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		{Type: backend.EventAssistantThought, Text: "pondering"},
		{Type: backend.EventTurnEnd},
	}}
	fx := newExecutorFixture(t, agent)

	fx.runPrompt(t, "hmm")

	thoughts := fx.rpc.updates(protocol.UpdateAgentThoughtChunk)
	require.Len(t, thoughts, 1)
	assert.Equal(t, "pondering", thoughts[0].Content.Text)
}

func TestExecutorToolCallLifecycle(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		toolUse("call-1", "Bash", `{"command":"go test ./..."}`),
		{Type: backend.EventToolResult, ToolID: "call-1", Output: json.RawMessage(`"ok"`)},
		{Type: backend.EventTurnEnd},
	}}
	fx := newExecutorFixture(t, agent)

	stop, _ := fx.runPrompt(t, "run the tests")
	assert.Equal(t, protocol.StopEndTurn, stop)

	calls := fx.rpc.updates(protocol.UpdateToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "call-1", calls[0].ToolCallID)
	assert.Equal(t, protocol.ToolStatusPending, calls[0].Status)
	assert.Equal(t, KindExecute, calls[0].Kind)

	// A safe command needs no confirmation.
	assert.Zero(t, fx.rpc.calls())

	// Exactly one terminal update, and nothing after it for this call.
	time.Sleep(2 * progressDelay)
	terminal := 0
	for _, u := range fx.rpc.updates(protocol.UpdateToolCallUpdate) {
		switch u.Status {
		case protocol.ToolStatusCompleted, protocol.ToolStatusFailed:
			terminal++
		case protocol.ToolStatusInProgress:
			assert.Zero(t, terminal, "progress update after terminal update")
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestExecutorFailsDanglingToolCallAtTurnEnd(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		toolUse("call-1", "Bash", `{"command":"ls"}`),
		{Type: backend.EventTurnEnd},
	}}
	fx := newExecutorFixture(t, agent)

	stop, s := fx.runPrompt(t, "list files")
	assert.Equal(t, protocol.StopEndTurn, stop)
	assert.Empty(t, s.ActiveToolCalls(), "turn end must not leak open tool calls")

	// The delayed progress timer must find the call already terminal.
	time.Sleep(2 * progressDelay)
	updates := fx.rpc.updates(protocol.UpdateToolCallUpdate)
	require.Len(t, updates, 1, "no update may trail the turn")
	assert.Equal(t, protocol.ToolStatusFailed, updates[0].Status)
	require.Len(t, updates[0].Blocks, 1)
	assert.Equal(t, "Tool call did not complete", updates[0].Blocks[0].Text)
}

func TestExecutorSynthesizesDiffForEdits(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		toolUse("call-1", "Edit", `{"file_path":"main.go","old_string":"a","new_string":"b"}`),
		{Type: backend.EventToolResult, ToolID: "call-1"},
		{Type: backend.EventTurnEnd},
	}}
	fx := newExecutorFixture(t, agent)

	fx.runPrompt(t, "edit it")

	var completed *protocol.SessionUpdate
	for _, u := range fx.rpc.updates(protocol.UpdateToolCallUpdate) {
		if u.Status == protocol.ToolStatusCompleted {
			u := u
			completed = &u
		}
	}
	require.NotNil(t, completed)
	require.Len(t, completed.Blocks, 1)
	assert.Equal(t, "diff", completed.Blocks[0].Type)
	assert.Equal(t, "main.go", completed.Blocks[0].Path)
	assert.Equal(t, "a", completed.Blocks[0].OldText)
	assert.Equal(t, "b", completed.Blocks[0].NewText)
}

func TestExecutorPermissionDenialFailsToolCall(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		toolUse("call-1", "delete", `{"file_path":"old.go"}`),
		{Type: backend.EventTurnEnd},
	}}
	fx := newExecutorFixture(t, agent)
	fx.rpc.permission = protocol.PermissionOutcome{
		Outcome: protocol.OutcomeSelected, OptionID: protocol.PermissionRejectOnce,
	}

	stop, _ := fx.runPrompt(t, "delete the old file")
	assert.Equal(t, protocol.StopEndTurn, stop)
	assert.Equal(t, 1, fx.rpc.calls())

	updates := fx.rpc.updates(protocol.UpdateToolCallUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, protocol.ToolStatusFailed, updates[0].Status)
	require.Len(t, updates[0].Blocks, 1)
	assert.Equal(t, "Permission denied", updates[0].Blocks[0].Text)
}

func TestExecutorCancellationFailsActiveToolCalls(t *testing.T) {
	agent := &fakeAgent{
		events: []backend.Event{
			{Type: backend.EventAssistantText, Text: "working"},
			toolUse("call-1", "Bash", `{"command":"sleep 60"}`),
		},
		hold: true,
	}
	fx := newExecutorFixture(t, agent)

	s, err := fx.sessions.Create("/work", nil)
	require.NoError(t, err)
	handle := s.TryBeginTurn(context.Background())
	require.NotNil(t, handle)

	done := make(chan string, 1)
	go func() {
		stop, runErr := fx.executor.Run(context.Background(), s, handle,
			[]protocol.ContentBlock{protocol.TextBlock("long task")})
		assert.NoError(t, runErr)
		done <- stop
	}()

	require.Eventually(t, func() bool {
		return len(fx.rpc.updates(protocol.UpdateToolCall)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	handle.Cancel()

	select {
	case stop := <-done:
		assert.Equal(t, protocol.StopCancelled, stop)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled turn did not return promptly")
	}
	s.EndTurn(session.OutcomeCancelled)

	updates := fx.rpc.updates(protocol.UpdateToolCallUpdate)
	var failed int
	for _, u := range updates {
		if u.ToolCallID == "call-1" && u.Status == protocol.ToolStatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed, "active tool call must be failed exactly once on cancel")
}

func TestExecutorFailsFastWhileCircuitOpen(t *testing.T) {
	agent := &fakeAgent{}
	fx := newExecutorFixture(t, agent)
	fx.breaker.ForceOpen()

	stop, _ := fx.runPrompt(t, "anything")
	assert.Equal(t, protocol.StopEndTurn, stop)
	assert.Zero(t, agent.started(), "open breaker must not reach the backend")

	chunks := fx.rpc.updates(protocol.UpdateAgentMessageChunk)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content.Text, "temporarily unavailable")
}

func TestExecutorStartFailuresTripBreaker(t *testing.T) {
	agent := &fakeAgent{startErr: fmt.Errorf("spawn failed")}
	fx := newExecutorFixture(t, agent)

	s, err := fx.sessions.Create("/work", nil)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		fx.runPromptOn(t, s, "try again")
	}

	assert.Equal(t, guard.StateOpen, fx.breaker.State())
	assert.Equal(t, 8, agent.started())

	// The ninth prompt fails fast without another start attempt.
	fx.runPromptOn(t, s, "once more")
	assert.Equal(t, 8, agent.started())
}

func TestExecutorAdapterStreamFailuresTripBreaker(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		{Type: backend.EventTurnError, Text: "backend closed its output stream", AdapterFailure: true},
	}}
	fx := newExecutorFixture(t, agent)

	s, err := fx.sessions.Create("/work", nil)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		fx.runPromptOn(t, s, "keep trying")
	}

	// A crash-looping child is a reachability failure: the breaker opens
	// even though every StartTurn succeeded.
	assert.Equal(t, guard.StateOpen, fx.breaker.State())
	fx.runPromptOn(t, s, "once more")
	assert.Equal(t, 8, agent.started())
}

func TestExecutorReportedTurnErrorDoesNotTripBreaker(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		{Type: backend.EventTurnError, Text: "model refused the request"},
	}}
	fx := newExecutorFixture(t, agent)

	s, err := fx.sessions.Create("/work", nil)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		fx.runPromptOn(t, s, "keep trying")
	}

	assert.Equal(t, guard.StateClosed, fx.breaker.State())
}

func TestExecutorInlineMarkerSwitchesMode(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		toolUse("call-1", "delete", `{"file_path":"old.go"}`),
		{Type: backend.EventToolResult, ToolID: "call-1"},
		{Type: backend.EventTurnEnd},
	}}
	fx := newExecutorFixture(t, agent)

	_, s := fx.runPrompt(t, "[ACP:PERMISSION:BYPASS] clean up the old file")

	assert.Equal(t, config.PermissionBypass, s.PermissionMode())
	assert.Zero(t, fx.rpc.calls(), "bypass mode must skip confirmation")
}

func TestExecutorEarliestMarkerWins(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{{Type: backend.EventTurnEnd}}}
	fx := newExecutorFixture(t, agent)

	_, s := fx.runPrompt(t, "[ACP:PERMISSION:ACCEPT_EDITS] then later [ACP:PERMISSION:BYPASS]")
	assert.Equal(t, config.PermissionAcceptEdits, s.PermissionMode())
}

func TestExecutorBackendErrorSurfacesInBand(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		{Type: backend.EventAssistantText, Text: "partial"},
		{Type: backend.EventTurnError, Text: "process exited with code 1"},
	}}
	fx := newExecutorFixture(t, agent)

	stop, _ := fx.runPrompt(t, "doomed")
	assert.Equal(t, protocol.StopEndTurn, stop)

	chunks := fx.rpc.updates(protocol.UpdateAgentMessageChunk)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[1].Content.Text, "process exited with code 1")
}

func TestExecutorEmitsPlanForComplexPrompt(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		{Type: backend.EventAssistantText, Text: "on it"},
		{Type: backend.EventTurnEnd},
	}}
	fx := newExecutorFixture(t, agent)

	fx.runPrompt(t, "first parse the schema, then generate the types, next wire them up, finally add tests")

	plans := fx.rpc.updates(protocol.UpdatePlan)
	require.NotEmpty(t, plans)
	assert.Len(t, plans[0].Entries, 3)
	assert.Equal(t, statusInProgress, plans[0].Entries[0].Status)
}

func TestExecutorRecordsBackendSessionHandle(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		{Type: backend.EventSessionAssigned, SessionID: "backend-42"},
		{Type: backend.EventTurnEnd},
	}}
	fx := newExecutorFixture(t, agent)

	_, s := fx.runPrompt(t, "hello")
	assert.Equal(t, "backend-42", s.BackendHandle())
}

func TestExecutorIgnoresResultForUnknownToolCall(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{
		{Type: backend.EventToolResult, ToolID: "never-started"},
		{Type: backend.EventTurnEnd},
	}}
	fx := newExecutorFixture(t, agent)

	stop, _ := fx.runPrompt(t, "odd stream")
	assert.Equal(t, protocol.StopEndTurn, stop)
	assert.Empty(t, fx.rpc.updates(protocol.UpdateToolCallUpdate))
}

func TestExecutorContextAdvisoryChunk(t *testing.T) {
	agent := &fakeAgent{events: []backend.Event{{Type: backend.EventTurnEnd}}}
	fx := newExecutorFixture(t, agent)

	fx.runPrompt(t, strings.Repeat("x", 4*170_000))

	chunks := fx.rpc.updates(protocol.UpdateAgentMessageChunk)
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Content.Text, "context window limit")
}
