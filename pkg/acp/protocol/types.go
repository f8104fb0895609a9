// Package protocol defines the Agent Client Protocol wire types exchanged
// between the bridge and the editor host. All messages travel as JSON-RPC 2.0
// over newline-delimited stdio.
package protocol

import "encoding/json"

// ContentBlock is a single content element in prompts and update chunks.
// The bridge recognizes "text", "diff" and "resource_link"; unknown types are
// passed through without interpretation.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// diff
	Path    string `json:"path,omitempty"`
	OldText string `json:"oldText,omitempty"`
	NewText string `json:"newText,omitempty"`

	// resource_link
	URI  string `json:"uri,omitempty"`
	Name string `json:"name,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// DiffBlock builds a diff content block for a file edit or creation.
func DiffBlock(path, oldText, newText string) ContentBlock {
	return ContentBlock{Type: "diff", Path: path, OldText: oldText, NewText: newText}
}

// --- initialize ---

// InitializeParams begins the capability handshake.
type InitializeParams struct {
	ProtocolVersion    string          `json:"protocolVersion"`
	ClientCapabilities json.RawMessage `json:"clientCapabilities,omitempty"`
}

// InitializeResult is the bridge's response to initialize.
type InitializeResult struct {
	ProtocolVersion   string            `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AuthMethods       []AuthMethod      `json:"authMethods"`
}

// AgentCapabilities declares what the bridge supports.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

// PromptCapabilities declares which prompt content types are accepted.
type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

// AuthMethod describes an authentication method offered by the bridge.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AuthenticateParams selects one of the advertised auth methods.
type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// --- session lifecycle ---

// MCPServer describes an external tool server declared by the host. The
// bridge passes these through to the backend without interpreting them.
type MCPServer struct {
	Name    string          `json:"name"`
	Command string          `json:"command,omitempty"`
	Args    []string        `json:"args,omitempty"`
	Env     json.RawMessage `json:"env,omitempty"`
}

// SessionNewParams creates a new session.
type SessionNewParams struct {
	CWD        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// SessionNewResult is the response to session/new.
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// SessionLoadParams adopts an existing session id.
type SessionLoadParams struct {
	SessionID  string      `json:"sessionId"`
	CWD        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// SessionPromptParams submits one prompt turn.
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// SessionPromptResult terminates a prompt turn.
type SessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

// SessionCancelParams cancels the in-flight turn, if any. Notification only.
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// --- session/update ---

// SessionNotification is the outer envelope of a session/update notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is the inner payload, discriminated by SessionUpdate.
// Only the fields of the discriminated variant are populated.
type SessionUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`

	// agent_message_chunk, agent_thought_chunk, user_message_chunk
	Content *ContentBlock `json:"-"`

	// tool_call, tool_call_update
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	Blocks     []ContentBlock  `json:"-"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	Locations  []ToolLocation  `json:"locations,omitempty"`

	// plan
	Entries []PlanEntry `json:"entries,omitempty"`
}

// MarshalJSON emits the variant-appropriate "content" shape: a single block
// for message chunks, a block array for tool call updates.
func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	type alias SessionUpdate
	switch u.SessionUpdate {
	case UpdateAgentMessageChunk, UpdateAgentThoughtChunk, UpdateUserMessageChunk:
		return json.Marshal(struct {
			alias
			Content *ContentBlock `json:"content,omitempty"`
		}{alias(u), u.Content})
	case UpdateToolCall, UpdateToolCallUpdate:
		return json.Marshal(struct {
			alias
			Blocks []ContentBlock `json:"content,omitempty"`
		}{alias(u), u.Blocks})
	default:
		return json.Marshal(alias(u))
	}
}

// UnmarshalJSON mirrors MarshalJSON for round-tripping in tests and hosts.
func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	type alias SessionUpdate
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*u = SessionUpdate(a)
	switch u.SessionUpdate {
	case UpdateAgentMessageChunk, UpdateAgentThoughtChunk, UpdateUserMessageChunk:
		var d struct {
			Content *ContentBlock `json:"content"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		u.Content = d.Content
	case UpdateToolCall, UpdateToolCallUpdate:
		var d struct {
			Blocks []ContentBlock `json:"content"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		u.Blocks = d.Blocks
	}
	return nil
}

// ToolLocation points at a file (and optionally a line) a tool call touches.
type ToolLocation struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// PlanEntry is one step of an execution plan. Ordering is list position.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority"` // high, medium, low
	Status   string `json:"status"`   // pending, in_progress, completed, failed
}

// --- session/request_permission ---

// RequestPermissionParams asks the host to approve a tool call.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  PermissionToolCall `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionToolCall identifies the tool call awaiting approval.
type PermissionToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// PermissionOption is one selectable answer to a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// RequestPermissionResult carries the host's decision.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is either {"outcome":"selected","optionId":...} or
// {"outcome":"cancelled"}.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// --- fs ---

// ReadTextFileParams reads a workspace file through the host.
type ReadTextFileParams struct {
	Path  string `json:"path"`
	Line  int    `json:"line,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ReadTextFileResult is the response to fs/read_text_file.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams writes a workspace file through the host.
type WriteTextFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}
