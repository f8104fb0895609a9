package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentbridge/agentbridge/internal/backend"
	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/contextmon"
	"github.com/agentbridge/agentbridge/internal/guard"
	"github.com/agentbridge/agentbridge/internal/permission"
	"github.com/agentbridge/agentbridge/internal/session"
	"github.com/agentbridge/agentbridge/internal/turn"
	"github.com/agentbridge/agentbridge/pkg/acp/jsonrpc"
	"github.com/agentbridge/agentbridge/pkg/acp/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// stubAgent replays scripted events; hold keeps the stream open until cancel.
type stubAgent struct {
	events  []backend.Event
	hold    bool
	authErr error
}

func (a *stubAgent) StartTurn(ctx context.Context, req backend.TurnRequest) (*backend.TurnStream, error) {
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

func (a *stubAgent) Authenticate(context.Context) error      { return a.authErr }
func (a *stubAgent) Version(context.Context) (string, error) { return "stub", nil }
func (a *stubAgent) Name() string                            { return "stub" }
func (a *stubAgent) Close() error                            { return nil }

type facadeFixture struct {
	facade    *Facade
	sessions  *session.Manager
	transport *jsonrpc.Transport
	out       *syncBuffer
}

func newFacadeFixture(t *testing.T, agent backend.Agent) *facadeFixture {
	t.Helper()
	log := logger.Default()

	out := &syncBuffer{}
	transport := jsonrpc.NewTransport(strings.NewReader(""), out, log)
	transport.Start()
	endpoint := jsonrpc.NewEndpoint(transport, log)

	g := guard.NewResourceGuard(guard.DefaultLimits(), log)
	g.SetMemoryFunc(func() int { return 100 })
	monitor := contextmon.NewMonitor(log, contextmon.WithSweepInterval(time.Hour))
	t.Cleanup(monitor.Close)

	breaker := guard.NewBreaker(guard.DefaultBreakerConfig(), log)
	broker := permission.NewBroker(endpoint, log)
	sessions := session.NewManager(config.PermissionDefault, g, monitor, log)
	executor := turn.NewExecutor(agent, breaker, g, monitor, broker, endpoint, 0, log)

	return &facadeFixture{
		facade:    NewFacade(endpoint, sessions, executor, agent, monitor, log),
		sessions:  sessions,
		transport: transport,
		out:       out,
	}
}

// notifications flushes the transport and decodes all written frames.
func (fx *facadeFixture) notifications(t *testing.T) []protocol.SessionNotification {
	t.Helper()
	fx.transport.Close()
	fx.transport.Drain()

	var out []protocol.SessionNotification
	for _, line := range strings.Split(strings.TrimSpace(fx.out.String()), "\n") {
		if line == "" {
			continue
		}
		var frame struct {
			Method string                       `json:"method"`
			Params protocol.SessionNotification `json:"params"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &frame))
		if frame.Method == protocol.MethodSessionUpdate {
			out = append(out, frame.Params)
		}
	}
	return out
}

func (fx *facadeFixture) newSession(t *testing.T) string {
	t.Helper()
	result, err := fx.facade.handleSessionNew(context.Background(),
		json.RawMessage(`{"cwd":"/work","mcpServers":[]}`))
	require.NoError(t, err)
	return result.(protocol.SessionNewResult).SessionID
}

func promptParams(sessionID, text string) json.RawMessage {
	params, _ := json.Marshal(protocol.SessionPromptParams{
		SessionID: sessionID,
		Prompt:    []protocol.ContentBlock{protocol.TextBlock(text)},
	})
	return params
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	fx := newFacadeFixture(t, &stubAgent{})

	result, err := fx.facade.handleInitialize(context.Background(),
		json.RawMessage(`{"protocolVersion":"0.1.0"}`))
	require.NoError(t, err)

	init := result.(protocol.InitializeResult)
	assert.Equal(t, "0.1.0", init.ProtocolVersion, "the client's revision is echoed back")
	assert.True(t, init.AgentCapabilities.LoadSession)
	assert.True(t, init.AgentCapabilities.PromptCapabilities.Image)
	assert.False(t, init.AgentCapabilities.PromptCapabilities.Audio)
	assert.True(t, init.AgentCapabilities.PromptCapabilities.EmbeddedContext)

	require.Len(t, init.AuthMethods, 1)
	assert.Equal(t, "backend", init.AuthMethods[0].ID)
}

func TestInitializeWithoutClientVersion(t *testing.T) {
	fx := newFacadeFixture(t, &stubAgent{})

	result, err := fx.facade.handleInitialize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, defaultProtocolVersion, result.(protocol.InitializeResult).ProtocolVersion)
}

func TestAuthenticate(t *testing.T) {
	fx := newFacadeFixture(t, &stubAgent{})
	result, err := fx.facade.handleAuthenticate(context.Background(),
		json.RawMessage(`{"methodId":"backend"}`))
	require.NoError(t, err)
	assert.Nil(t, result, "authenticate carries a null result")

	_, err = fx.facade.handleAuthenticate(context.Background(),
		json.RawMessage(`{"methodId":"oauth"}`))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidParams, errors.RPCCode(err))
}

func TestAuthenticateBackendFailure(t *testing.T) {
	fx := newFacadeFixture(t, &stubAgent{authErr: fmt.Errorf("no credentials")})

	_, err := fx.facade.handleAuthenticate(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeAuthRequired, errors.RPCCode(err))
}

func TestSessionNewValidatesCWD(t *testing.T) {
	fx := newFacadeFixture(t, &stubAgent{})

	_, err := fx.facade.handleSessionNew(context.Background(),
		json.RawMessage(`{"cwd":"","mcpServers":[]}`))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidParams, errors.RPCCode(err))
}

func TestSessionNewAndLoad(t *testing.T) {
	fx := newFacadeFixture(t, &stubAgent{})

	id := fx.newSession(t)
	assert.NotEmpty(t, id)

	// Loading the same id adopts the existing session.
	result, err := fx.facade.handleSessionLoad(context.Background(),
		json.RawMessage(fmt.Sprintf(`{"sessionId":%q,"cwd":"/work","mcpServers":[]}`, id)))
	require.NoError(t, err)
	assert.Nil(t, result, "session/load carries a null result")
	assert.Equal(t, 1, fx.sessions.Count())

	// Loading an unknown id creates a fresh session bound to it.
	_, err = fx.facade.handleSessionLoad(context.Background(),
		json.RawMessage(`{"sessionId":"external","cwd":"/work","mcpServers":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, fx.sessions.Count())
}

func TestPromptUnknownSession(t *testing.T) {
	fx := newFacadeFixture(t, &stubAgent{})

	_, err := fx.facade.handleSessionPrompt(context.Background(), promptParams("ghost", "hi"))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeSessionNotFound, errors.RPCCode(err))
}

func TestPromptStreamsAndStops(t *testing.T) {
	fx := newFacadeFixture(t, &stubAgent{events: []backend.Event{
		{Type: backend.EventAssistantText, Text: "hi there"},
		{Type: backend.EventTurnEnd},
	}})
	id := fx.newSession(t)

	result, err := fx.facade.handleSessionPrompt(context.Background(), promptParams(id, "hello"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StopEndTurn, result.(protocol.SessionPromptResult).StopReason)

	notes := fx.notifications(t)
	require.NotEmpty(t, notes)
	assert.Equal(t, id, notes[0].SessionID)
	assert.Equal(t, protocol.UpdateAgentMessageChunk, notes[0].Update.SessionUpdate)
	assert.Equal(t, "hi there", notes[0].Update.Content.Text)
}

func TestConcurrentPromptIsRejectedBusy(t *testing.T) {
	fx := newFacadeFixture(t, &stubAgent{
		events: []backend.Event{{Type: backend.EventAssistantText, Text: "started"}},
		hold:   true,
	})
	id := fx.newSession(t)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = fx.facade.handleSessionPrompt(context.Background(), promptParams(id, "long job"))
	}()

	// Wait until the first turn is visibly streaming.
	require.Eventually(t, func() bool {
		return strings.Contains(fx.out.String(), "started")
	}, 2*time.Second, 10*time.Millisecond)

	// A second prompt on the same session must fail fast while the first runs.
	_, err := fx.facade.handleSessionPrompt(context.Background(), promptParams(id, "second"))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeSessionBusy, errors.RPCCode(err))

	fx.facade.handleSessionCancel(context.Background(),
		json.RawMessage(fmt.Sprintf(`{"sessionId":%q}`, id)))
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first prompt did not finish after cancel")
	}
}

func TestCancelReturnsCancelledStopReason(t *testing.T) {
	fx := newFacadeFixture(t, &stubAgent{
		events: []backend.Event{{Type: backend.EventAssistantText, Text: "working"}},
		hold:   true,
	})
	id := fx.newSession(t)

	type promptResult struct {
		stop string
		err  error
	}
	done := make(chan promptResult, 1)
	go func() {
		result, err := fx.facade.handleSessionPrompt(context.Background(), promptParams(id, "job"))
		if err != nil {
			done <- promptResult{err: err}
			return
		}
		done <- promptResult{stop: result.(protocol.SessionPromptResult).StopReason}
	}()

	// Wait until the turn is visibly streaming, then cancel.
	s, err := fx.sessions.Get(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(fx.out.String(), "working")
	}, 2*time.Second, 10*time.Millisecond)

	fx.facade.handleSessionCancel(context.Background(),
		json.RawMessage(fmt.Sprintf(`{"sessionId":%q}`, id)))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, protocol.StopCancelled, r.stop)
	case <-time.After(2 * time.Second):
		t.Fatal("prompt did not return after cancel")
	}

	// A new prompt is accepted afterwards.
	handle := s.TryBeginTurn(context.Background())
	require.NotNil(t, handle)
	s.EndTurn(session.OutcomeEndTurn)
}

func TestCancelUnknownSessionIsIgnored(t *testing.T) {
	fx := newFacadeFixture(t, &stubAgent{})
	fx.facade.handleSessionCancel(context.Background(), json.RawMessage(`{"sessionId":"ghost"}`))
}
