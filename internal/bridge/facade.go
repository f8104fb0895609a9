// Package bridge exposes the ACP agent surface: it registers the six host
// facing methods on the RPC endpoint and routes them to the session manager
// and turn executor.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/agentbridge/agentbridge/internal/backend"
	"github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/contextmon"
	"github.com/agentbridge/agentbridge/internal/session"
	"github.com/agentbridge/agentbridge/internal/turn"
	"github.com/agentbridge/agentbridge/pkg/acp/jsonrpc"
	"github.com/agentbridge/agentbridge/pkg/acp/protocol"
	"go.uber.org/zap"
)

// defaultProtocolVersion is advertised when the client does not name one.
const defaultProtocolVersion = "1"

// Facade is the agent-side ACP implementation.
type Facade struct {
	endpoint *jsonrpc.Endpoint
	sessions *session.Manager
	executor *turn.Executor
	agent    backend.Agent
	monitor  *contextmon.Monitor
	logger   *logger.Logger
}

// NewFacade wires the facade and registers its handlers on the endpoint.
func NewFacade(endpoint *jsonrpc.Endpoint, sessions *session.Manager, executor *turn.Executor,
	agent backend.Agent, monitor *contextmon.Monitor, log *logger.Logger) *Facade {
	f := &Facade{
		endpoint: endpoint,
		sessions: sessions,
		executor: executor,
		agent:    agent,
		monitor:  monitor,
		logger:   log.WithComponent("bridge"),
	}

	endpoint.Handle(protocol.MethodInitialize, f.handleInitialize)
	endpoint.Handle(protocol.MethodAuthenticate, f.handleAuthenticate)
	endpoint.Handle(protocol.MethodSessionNew, f.handleSessionNew)
	endpoint.Handle(protocol.MethodSessionLoad, f.handleSessionLoad)
	endpoint.Handle(protocol.MethodSessionPrompt, f.handleSessionPrompt)
	endpoint.HandleNotification(protocol.MethodSessionCancel, f.handleSessionCancel)
	return f
}

func (f *Facade) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errors.InvalidParams("malformed initialize params")
		}
	}

	// The bridge accepts whatever revision the client speaks and echoes it
	// back; the handshake fails only on malformed params.
	version := p.ProtocolVersion
	if version == "" {
		version = defaultProtocolVersion
	}

	f.logger.Info("initialize", zap.String("client_protocol_version", p.ProtocolVersion))
	return protocol.InitializeResult{
		ProtocolVersion: version,
		AgentCapabilities: protocol.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: protocol.PromptCapabilities{
				Image:           true,
				Audio:           false,
				EmbeddedContext: true,
			},
		},
		AuthMethods: []protocol.AuthMethod{
			{ID: "backend", Name: "Backend", Description: "Authentication via backend agent"},
		},
	}, nil
}

func (f *Facade) handleAuthenticate(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.AuthenticateParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errors.InvalidParams("malformed authenticate params")
		}
	}
	if p.MethodID != "" && p.MethodID != "backend" {
		return nil, errors.InvalidParams("unknown auth method: " + p.MethodID)
	}

	if err := f.agent.Authenticate(ctx); err != nil {
		f.logger.Warn("backend authentication failed", zap.Error(err))
		return nil, errors.AuthRequired("backend authentication failed")
	}
	// authenticate has a null result on the wire.
	return nil, nil
}

func (f *Facade) handleSessionNew(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.SessionNewParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.InvalidParams("malformed session/new params")
	}
	if p.CWD == "" {
		return nil, errors.Validation("cwd", "must not be empty")
	}

	s, err := f.sessions.Create(p.CWD, p.MCPServers)
	if err != nil {
		return nil, err
	}
	return protocol.SessionNewResult{SessionID: s.ID}, nil
}

func (f *Facade) handleSessionLoad(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.SessionLoadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.InvalidParams("malformed session/load params")
	}
	if p.SessionID == "" {
		return nil, errors.Validation("sessionId", "must not be empty")
	}

	if _, err := f.sessions.Adopt(p.SessionID, p.CWD, p.MCPServers); err != nil {
		return nil, err
	}
	// session/load has a null result on the wire.
	return nil, nil
}

// handleSessionPrompt runs one turn. The endpoint dispatches each request on
// its own goroutine, so blocking here for the duration of the turn is fine.
func (f *Facade) handleSessionPrompt(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.SessionPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.InvalidParams("malformed session/prompt params")
	}
	if p.SessionID == "" {
		return nil, errors.Validation("sessionId", "must not be empty")
	}

	s, err := f.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}

	handle := s.TryBeginTurn(ctx)
	if handle == nil {
		return nil, errors.SessionBusy(p.SessionID)
	}

	stopReason, err := f.executor.Run(ctx, s, handle, p.Prompt)
	if err != nil {
		s.EndTurn(session.OutcomeError)
		return nil, err
	}

	if stopReason == protocol.StopCancelled {
		s.EndTurn(session.OutcomeCancelled)
	} else {
		s.EndTurn(session.OutcomeEndTurn)
	}
	return protocol.SessionPromptResult{StopReason: stopReason}, nil
}

// handleSessionCancel is a notification: no response, idempotent, unknown
// sessions ignored.
func (f *Facade) handleSessionCancel(ctx context.Context, params json.RawMessage) {
	var p protocol.SessionCancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		f.logger.Warn("malformed session/cancel params", zap.Error(err))
		return
	}
	f.sessions.Cancel(p.SessionID)
}
