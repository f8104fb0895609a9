// Package errors provides the bridge's error taxonomy and its mapping to
// JSON-RPC error codes.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds as constants. Each kind maps to one wire code.
const (
	KindValidation = "VALIDATION_ERROR"
	KindSession    = "SESSION_ERROR"
	KindResource   = "RESOURCE_ERROR"
	KindProtocol   = "PROTOCOL_ERROR"
	KindBackend    = "BACKEND_ERROR"
	KindInternal   = "INTERNAL_ERROR"
	KindAuth       = "AUTH_ERROR"
)

// JSON-RPC error codes. Mirrored in pkg/acp/protocol; duplicated here so the
// taxonomy has no dependency on the wire package.
const (
	codeInvalidParams     = -32602
	codeInternalError     = -32603
	codeAuthRequired      = -32000
	codeSessionNotFound   = -32001
	codeSessionBusy       = -32002
	codeResourceExhausted = -32003
	codeInvalidRequest    = -32600
)

// BridgeError is an application error with a kind and a wire code.
type BridgeError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Validation creates an invalid-params error for a specific field.
func Validation(field, message string) *BridgeError {
	return &BridgeError{
		Kind:    KindValidation,
		Message: fmt.Sprintf("validation failed for field '%s': %s", field, message),
		Code:    codeInvalidParams,
	}
}

// InvalidParams creates an invalid-params error without a field path.
func InvalidParams(message string) *BridgeError {
	return &BridgeError{Kind: KindValidation, Message: message, Code: codeInvalidParams}
}

// SessionNotFound creates an error for an unknown session id.
func SessionNotFound(sessionID string) *BridgeError {
	return &BridgeError{
		Kind:    KindSession,
		Message: fmt.Sprintf("Session not found: %s", sessionID),
		Code:    codeSessionNotFound,
	}
}

// SessionBusy creates an error for a session with an in-flight turn.
func SessionBusy(sessionID string) *BridgeError {
	return &BridgeError{
		Kind:    KindSession,
		Message: fmt.Sprintf("Session busy: %s", sessionID),
		Code:    codeSessionBusy,
	}
}

// ResourceExhausted creates an admission-denied error.
func ResourceExhausted(message string) *BridgeError {
	return &BridgeError{Kind: KindResource, Message: message, Code: codeResourceExhausted}
}

// Protocol creates an error for a frame that violates the wire contract.
func Protocol(message string) *BridgeError {
	return &BridgeError{Kind: KindProtocol, Message: message, Code: codeInvalidRequest}
}

// AuthRequired creates an authentication-required error.
func AuthRequired(message string) *BridgeError {
	return &BridgeError{Kind: KindAuth, Message: message, Code: codeAuthRequired}
}

// Backend creates an error for an adapter failure, wrapping the cause.
func Backend(message string, err error) *BridgeError {
	return &BridgeError{Kind: KindBackend, Message: message, Code: codeInternalError, Err: err}
}

// Internal wraps anything unexpected.
func Internal(message string, err error) *BridgeError {
	return &BridgeError{Kind: KindInternal, Message: message, Code: codeInternalError, Err: err}
}

// RPCCode returns the wire code for an error. Unknown errors map to the
// internal error code.
func RPCCode(err error) int {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code
	}
	return codeInternalError
}

// RPCMessage returns the message to put on the wire. Wrapped causes of
// internal errors are not exposed to the peer.
func RPCMessage(err error) string {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Message
	}
	return "internal error"
}

// IsKind checks whether the error carries the given kind.
func IsKind(err error, kind string) bool {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// IsSessionBusy checks for the session-busy condition specifically.
func IsSessionBusy(err error) bool {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code == codeSessionBusy
	}
	return false
}
