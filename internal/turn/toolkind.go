package turn

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentbridge/agentbridge/internal/permission"
	"github.com/agentbridge/agentbridge/pkg/acp/protocol"
)

// Tool kinds reported to the host.
const (
	KindRead    = "read"
	KindEdit    = "edit"
	KindDelete  = "delete"
	KindMove    = "move"
	KindSearch  = "search"
	KindExecute = "execute"
	KindThink   = "think"
	KindFetch   = "fetch"
	KindOther   = "other"
)

// kindTable maps exact tool names (lowercased) to kinds. Names missing here
// fall back to substring classification.
var kindTable = map[string]string{
	"read":         KindRead,
	"cat":          KindRead,
	"open":         KindRead,
	"write":        KindEdit,
	"edit":         KindEdit,
	"multiedit":    KindEdit,
	"create":       KindEdit,
	"notebookedit": KindEdit,
	"delete":       KindDelete,
	"remove":       KindDelete,
	"move":         KindMove,
	"rename":       KindMove,
	"grep":         KindSearch,
	"glob":         KindSearch,
	"search":       KindSearch,
	"find":         KindSearch,
	"ls":           KindSearch,
	"bash":         KindExecute,
	"run":          KindExecute,
	"exec":         KindExecute,
	"shell":        KindExecute,
	"task":         KindThink,
	"think":        KindThink,
	"todowrite":    KindThink,
	"webfetch":     KindFetch,
	"fetch":        KindFetch,
	"websearch":    KindFetch,
}

// kindSubstrings classify names the table misses, checked in order.
var kindSubstrings = []struct {
	substr string
	kind   string
}{
	{"grep", KindSearch},
	{"search", KindSearch},
	{"find", KindSearch},
	{"bash", KindExecute},
	{"run", KindExecute},
	{"exec", KindExecute},
	{"shell", KindExecute},
	{"read", KindRead},
	{"write", KindEdit},
	{"edit", KindEdit},
	{"delete", KindDelete},
	{"remove", KindDelete},
	{"move", KindMove},
	{"fetch", KindFetch},
	{"web", KindFetch},
	{"think", KindThink},
	{"plan", KindThink},
}

// classifyKind derives the observable tool kind from a tool name.
func classifyKind(name string) string {
	lower := strings.ToLower(name)
	if kind, ok := kindTable[lower]; ok {
		return kind
	}
	for _, entry := range kindSubstrings {
		if strings.Contains(lower, entry.substr) {
			return entry.kind
		}
	}
	return KindOther
}

// kindToOpType maps the host-visible kind onto the broker's operation type.
func kindToOpType(kind string) permission.OpType {
	switch kind {
	case KindRead:
		return permission.OpRead
	case KindSearch:
		return permission.OpSearch
	case KindEdit:
		return permission.OpEdit
	case KindDelete:
		return permission.OpDelete
	case KindMove:
		return permission.OpMove
	case KindExecute:
		return permission.OpExecute
	case KindFetch:
		return permission.OpFetch
	case KindThink:
		return permission.OpThink
	default:
		return permission.OpOther
	}
}

// toolInput is the set of well-known input fields the executor extracts.
// Everything else stays opaque in the raw input.
type toolInput struct {
	FilePath  string `json:"file_path"`
	Path      string `json:"path"`
	Command   string `json:"command"`
	Pattern   string `json:"pattern"`
	URL       string `json:"url"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
	Content   string `json:"content"`
	Line      int    `json:"line"`
}

func parseToolInput(raw json.RawMessage) toolInput {
	var in toolInput
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &in)
	}
	return in
}

func (in toolInput) path() string {
	if in.FilePath != "" {
		return in.FilePath
	}
	return in.Path
}

// toolTitle computes the initial human-readable title for a tool call.
func toolTitle(name string, in toolInput) string {
	switch {
	case in.Command != "":
		return fmt.Sprintf("%s: %s", name, truncate(in.Command, 80))
	case in.path() != "":
		return fmt.Sprintf("%s %s", name, in.path())
	case in.Pattern != "":
		return fmt.Sprintf("%s %q", name, truncate(in.Pattern, 40))
	case in.URL != "":
		return fmt.Sprintf("%s %s", name, in.URL)
	default:
		return name
	}
}

// toolLocations lists the files a tool call touches.
func toolLocations(in toolInput) []protocol.ToolLocation {
	if p := in.path(); p != "" {
		loc := protocol.ToolLocation{Path: p}
		if in.Line > 0 {
			loc.Line = in.Line
		}
		return []protocol.ToolLocation{loc}
	}
	return nil
}

// toolOperation builds the broker's fixed-shape record for a tool call.
func toolOperation(name string, kind string, raw json.RawMessage, in toolInput) permission.ToolOperation {
	op := permission.ToolOperation{
		ToolName: name,
		RawInput: raw,
		Command:  in.Command,
		OpType:   kindToOpType(kind),
	}
	if p := in.path(); p != "" {
		op.AffectedPaths = []string{p}
	}
	return op
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
