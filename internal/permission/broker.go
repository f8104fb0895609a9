// Package permission classifies tool operations and, when needed, asks the
// host for confirmation before a tool call may proceed.
package permission

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/pkg/acp/protocol"
	"go.uber.org/zap"
)

// OpType classifies what a tool operation does.
type OpType string

const (
	OpRead    OpType = "read"
	OpSearch  OpType = "search"
	OpEdit    OpType = "edit"
	OpDelete  OpType = "delete"
	OpMove    OpType = "move"
	OpExecute OpType = "execute"
	OpFetch   OpType = "fetch"
	OpThink   OpType = "think"
	OpOther   OpType = "other"
)

// dangerCommands require confirmation when they appear as any token of an
// executed command string.
var dangerCommands = map[string]bool{
	"rm": true, "sudo": true, "chmod": true, "chown": true,
	"mv": true, "cp": true, "dd": true,
}

// ToolOperation is the fixed-shape record the broker classifies. Unknown
// tool input fields stay in RawInput and never drive control flow.
type ToolOperation struct {
	ToolName      string
	RawInput      json.RawMessage
	Command       string
	AffectedPaths []string
	OpType        OpType
}

// Requester issues outbound requests to the host. Satisfied by the RPC
// endpoint.
type Requester interface {
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Broker decides allow or deny for tool operations.
type Broker struct {
	rpc    Requester
	logger *logger.Logger
}

// NewBroker creates a permission broker over the given requester.
func NewBroker(rpc Requester, log *logger.Logger) *Broker {
	return &Broker{rpc: rpc, logger: log.WithComponent("permission-broker")}
}

// Check runs the classification rules in order and, when confirmation is
// required, round-trips a session/request_permission to the host. A
// cancelled outcome (including turn cancellation) denies without error.
func (b *Broker) Check(ctx context.Context, sessionID, mode, cwd string, op ToolOperation, call protocol.PermissionToolCall) (bool, error) {
	// Mode short-circuit.
	switch mode {
	case config.PermissionBypass:
		return true, nil
	case config.PermissionAcceptEdits:
		if op.OpType == OpRead || op.OpType == OpSearch {
			return true, nil
		}
	}

	if !requiresConfirmation(cwd, op) {
		return true, nil
	}

	params := protocol.RequestPermissionParams{
		SessionID: sessionID,
		ToolCall:  call,
		Options:   optionsFor(op.OpType),
	}

	raw, err := b.rpc.SendRequest(ctx, protocol.MethodRequestPermission, params)
	if err != nil {
		if ctx.Err() != nil {
			// Parent turn cancelled while the prompt was pending.
			return false, nil
		}
		return false, err
	}

	var result protocol.RequestPermissionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		b.logger.Warn("unparseable permission outcome", zap.Error(err))
		return false, nil
	}

	switch result.Outcome.Outcome {
	case protocol.OutcomeCancelled:
		return false, nil
	case protocol.OutcomeSelected:
		allowed := result.Outcome.OptionID == protocol.PermissionAllowOnce ||
			result.Outcome.OptionID == protocol.PermissionAllowAlways
		return allowed, nil
	default:
		return false, nil
	}
}

// requiresConfirmation applies the confirmation test: deletes, dangerous
// commands, and paths escaping the workspace.
func requiresConfirmation(cwd string, op ToolOperation) bool {
	if op.OpType == OpDelete {
		return true
	}
	if op.OpType == OpExecute && commandIsDangerous(op.Command) {
		return true
	}
	for _, p := range op.AffectedPaths {
		if pathEscapesWorkspace(cwd, p) {
			return true
		}
	}
	return false
}

func commandIsDangerous(command string) bool {
	for _, token := range strings.Fields(command) {
		if dangerCommands[token] {
			return true
		}
	}
	return false
}

// pathEscapesWorkspace reports whether p is absolute and not lexically
// contained within cwd after normalization.
func pathEscapesWorkspace(cwd, p string) bool {
	if !filepath.IsAbs(p) {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(cwd), filepath.Clean(p))
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// optionsFor derives the permission options. Deletes never offer
// allow_always.
func optionsFor(op OpType) []protocol.PermissionOption {
	options := []protocol.PermissionOption{
		{OptionID: protocol.PermissionAllowOnce, Name: "Allow", Kind: protocol.PermissionAllowOnce},
	}
	if op != OpDelete {
		options = append(options, protocol.PermissionOption{
			OptionID: protocol.PermissionAllowAlways, Name: "Always allow", Kind: protocol.PermissionAllowAlways,
		})
	}
	options = append(options,
		protocol.PermissionOption{OptionID: protocol.PermissionRejectOnce, Name: "Reject", Kind: protocol.PermissionRejectOnce},
		protocol.PermissionOption{OptionID: protocol.PermissionRejectAlways, Name: "Always reject", Kind: protocol.PermissionRejectAlways},
	)
	return options
}
