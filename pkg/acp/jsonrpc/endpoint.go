package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/agentbridge/agentbridge/internal/common/errors"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/pkg/acp/protocol"
	"go.uber.org/zap"
)

// Handler processes an inbound request and returns its result. A returned
// error is translated to a JSON-RPC error object by kind.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler processes an inbound notification. No response is sent.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// Endpoint demultiplexes frames from a Transport into requests, notifications
// and responses, and correlates outbound requests with their responses.
type Endpoint struct {
	transport *Transport

	handlers      map[string]Handler
	notifications map[string]NotificationHandler

	requestID atomic.Int64
	pending   map[int64]chan *Response
	mu        sync.Mutex

	closed atomic.Bool
	logger *logger.Logger
}

// NewEndpoint creates an endpoint on the given transport. Register all
// handlers before calling Serve.
func NewEndpoint(transport *Transport, log *logger.Logger) *Endpoint {
	return &Endpoint{
		transport:     transport,
		handlers:      make(map[string]Handler),
		notifications: make(map[string]NotificationHandler),
		pending:       make(map[int64]chan *Response),
		logger:        log.WithComponent("rpc-endpoint"),
	}
}

// Handle registers a request handler for the given method.
func (e *Endpoint) Handle(method string, handler Handler) {
	e.handlers[method] = handler
}

// HandleNotification registers a notification handler for the given method.
func (e *Endpoint) HandleNotification(method string, handler NotificationHandler) {
	e.notifications[method] = handler
}

// Serve consumes frames until the transport's input closes or ctx is done.
// On return all pending outbound requests are rejected.
func (e *Endpoint) Serve(ctx context.Context) error {
	defer e.shutdown()

	for {
		select {
		case frame, ok := <-e.transport.Frames():
			if !ok {
				return nil
			}
			e.dispatch(ctx, frame)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendRequest sends an outbound request and waits for the matching response.
// A response carrying an error object is returned as *Error.
func (e *Endpoint) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if e.closed.Load() {
		return nil, NewError(protocol.CodeResourceExhausted, "connection destroyed")
	}

	id := e.requestID.Add(1)
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *Response, 1)
	e.mu.Lock()
	e.pending[id] = respCh
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}()

	req := &Request{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  paramsJSON,
	}
	if err := e.transport.Write(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendNotification sends an outbound notification. No response is expected.
func (e *Endpoint) SendNotification(method string, params any) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return e.transport.Write(&Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  paramsJSON,
	})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

// dispatch classifies one inbound frame. Requests and notifications run in
// their own goroutine so long operations never block the reader.
func (e *Endpoint) dispatch(ctx context.Context, frame []byte) {
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		e.logger.Warn("undecodable frame", zap.Error(err))
		e.respondError(json.RawMessage("null"), NewError(protocol.CodeParseError, "parse error"))
		return
	}

	switch {
	case msg.Method != "" && msg.hasID():
		go e.handleRequest(ctx, &msg)
	case msg.Method != "":
		go e.handleNotification(ctx, &msg)
	case msg.hasID():
		e.handleResponse(&msg)
	default:
		e.respondError(json.RawMessage("null"), NewError(protocol.CodeInvalidRequest, "invalid request"))
	}
}

func (e *Endpoint) handleRequest(ctx context.Context, msg *message) {
	handler, ok := e.handlers[msg.Method]
	if !ok {
		e.respondError(msg.ID, NewError(protocol.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", msg.Method)))
		return
	}

	result, err := e.invoke(ctx, handler, msg.Params)
	if err != nil {
		e.respondError(msg.ID, toRPCError(err))
		return
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		e.respondError(msg.ID, NewError(protocol.CodeInternalError, "marshal result"))
		return
	}
	e.respond(&Response{JSONRPC: Version, ID: msg.ID, Result: resultJSON})
}

// invoke runs the handler with panic containment so that a handler bug still
// produces exactly one response.
func (e *Endpoint) invoke(ctx context.Context, handler Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panic", zap.Any("panic", r))
			err = errors.Internal(fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return handler(ctx, params)
}

func (e *Endpoint) handleNotification(ctx context.Context, msg *message) {
	handler, ok := e.notifications[msg.Method]
	if !ok {
		e.logger.Debug("unhandled notification", zap.String("method", msg.Method))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notification handler panic", zap.Any("panic", r))
		}
	}()
	handler(ctx, msg.Params)
}

func (e *Endpoint) handleResponse(msg *message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		e.logger.Warn("response with unrecognized id", zap.String("id", string(msg.ID)))
		return
	}

	// First delivery claims the entry, so a duplicate response for the same
	// id cannot block the dispatch loop on the already-full channel.
	e.mu.Lock()
	ch, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		e.logger.Warn("response for unknown request", zap.Int64("id", id))
		return
	}
	ch <- &Response{JSONRPC: Version, ID: msg.ID, Result: msg.Result, Error: msg.Error}
}

func (e *Endpoint) respond(resp *Response) {
	if err := e.transport.Write(resp); err != nil {
		e.logger.Error("failed to write response", zap.Error(err))
	}
}

func (e *Endpoint) respondError(id json.RawMessage, rpcErr *Error) {
	e.respond(&Response{JSONRPC: Version, ID: id, Error: rpcErr})
}

// shutdown rejects every pending outbound request.
func (e *Endpoint) shutdown() {
	e.closed.Store(true)

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.pending {
		ch <- &Response{
			JSONRPC: Version,
			Error:   NewError(protocol.CodeResourceExhausted, "connection destroyed"),
		}
		delete(e.pending, id)
	}
}

// toRPCError maps a handler error to a wire error object by kind.
func toRPCError(err error) *Error {
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr
	}
	return NewError(errors.RPCCode(err), errors.RPCMessage(err))
}
