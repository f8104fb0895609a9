package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// wireMessage is the line protocol shared with the backend process. Messages
// are classified by the type discriminator.
type wireMessage struct {
	Type string `json:"type"`

	// commands (bridge -> backend)
	Prompt         string `json:"prompt,omitempty"`
	Resume         string `json:"resume,omitempty"`
	MaxTurns       int    `json:"max_turns,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`

	// events (backend -> bridge)
	SessionID string          `json:"session_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Line protocol discriminator values.
const (
	wirePrompt      = "prompt"
	wireCancel      = "cancel"
	wireSession     = "session"
	wireText        = "text"
	wireThought     = "thought"
	wireToolUse     = "tool_use"
	wireToolResult  = "tool_result"
	wireToolError   = "tool_error"
	wireEnd         = "end"
	wireError       = "error"
)

// stderrTailLines bounds the captured child stderr kept for diagnostics.
const stderrTailLines = 50

// SubprocessAgent drives a backend CLI in its long-running interactive mode
// over stdio pipes. Turns are serialized onto the single child: the adapter
// writes one command line per turn and consumes events until a turn-end
// marker.
type SubprocessAgent struct {
	path string
	args []string

	mu     sync.Mutex // serializes turns on the child
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	stderrMu   sync.Mutex
	stderrTail []string

	version string
	logger  *logger.Logger
}

// NewSubprocessAgent probes the executable and spawns it in interactive
// mode. The probe retries briefly with exponential backoff so a backend
// still warming up does not fail startup.
func NewSubprocessAgent(ctx context.Context, path string, log *logger.Logger) (*SubprocessAgent, error) {
	a := &SubprocessAgent{
		path:   path,
		args:   []string{"--interactive"},
		logger: log.WithComponent("subprocess-backend"),
	}

	version, err := backoff.Retry(ctx, func() (string, error) {
		out, err := exec.CommandContext(ctx, path, "--version").Output()
		if err != nil {
			return "", fmt.Errorf("probe %s: %w", path, err)
		}
		return strings.TrimSpace(string(out)), nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return nil, err
	}
	a.version = version

	if err := a.spawn(); err != nil {
		return nil, err
	}
	a.logger.Info("backend subprocess ready",
		zap.String("path", path), zap.String("version", version))
	return a, nil
}

func (a *SubprocessAgent) spawn() error {
	cmd := exec.Command(a.path, a.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", a.path, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	a.cmd = cmd
	a.stdin = stdin
	a.stdout = scanner

	go a.captureStderr(stderr)
	return nil
}

// captureStderr keeps a bounded tail of child stderr for diagnostics.
func (a *SubprocessAgent) captureStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		a.stderrMu.Lock()
		a.stderrTail = append(a.stderrTail, line)
		if len(a.stderrTail) > stderrTailLines {
			a.stderrTail = a.stderrTail[1:]
		}
		a.stderrMu.Unlock()
		a.logger.Debug("backend stderr", zap.String("line", line))
	}
}

// StderrTail returns the captured tail of the child's stderr.
func (a *SubprocessAgent) StderrTail() []string {
	a.stderrMu.Lock()
	defer a.stderrMu.Unlock()
	return append([]string(nil), a.stderrTail...)
}

// Authenticate is a no-op: the subprocess carries its own credentials.
func (a *SubprocessAgent) Authenticate(_ context.Context) error {
	return nil
}

// Version reports the probed backend version.
func (a *SubprocessAgent) Version(_ context.Context) (string, error) {
	return a.version, nil
}

// Name identifies the adapter.
func (a *SubprocessAgent) Name() string {
	return "subprocess"
}

// StartTurn writes one prompt command and streams events until the backend's
// turn-end marker. Unexpected child exit surfaces as a turn_error event.
func (a *SubprocessAgent) StartTurn(ctx context.Context, req TurnRequest) (*TurnStream, error) {
	a.mu.Lock() // released by the reader goroutine

	cmd := wireMessage{
		Type:           wirePrompt,
		Prompt:         req.Prompt,
		Resume:         req.ResumeID,
		MaxTurns:       req.MaxTurns,
		PermissionMode: req.PermissionMode,
	}
	if err := a.writeLine(cmd); err != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("write prompt command: %w", err)
	}

	events := make(chan Event, 16)
	turnCtx, cancel := context.WithCancel(ctx)
	go a.readTurn(turnCtx, events)

	return NewTurnStream(events, func() {
		// Documented cancel sentinel, then stop consuming.
		_ = a.writeLine(wireMessage{Type: wireCancel})
		cancel()
	}), nil
}

func (a *SubprocessAgent) writeLine(msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = a.stdin.Write(data)
	return err
}

// readTurn consumes child stdout until a terminal marker, translating wire
// messages into events. It owns the turn mutex taken in StartTurn.
//
// After cancellation the consumer is gone, but the child may still be
// flushing this turn's output onto the shared scanner. The loop keeps
// scanning without emitting until the turn's terminal marker, so the next
// turn starts on a clean stream.
func (a *SubprocessAgent) readTurn(ctx context.Context, events chan<- Event) {
	defer a.mu.Unlock()
	defer close(events)

	draining := false
	emit := func(ev Event) {
		if draining {
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			draining = true
		}
	}

	for a.stdout.Scan() {
		if ctx.Err() != nil {
			draining = true
		}
		line := a.stdout.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			a.logger.Warn("undecodable backend line", zap.Error(err))
			continue
		}

		switch msg.Type {
		case wireSession:
			emit(Event{Type: EventSessionAssigned, SessionID: msg.SessionID})
		case wireText:
			emit(Event{Type: EventAssistantText, Text: msg.Text})
		case wireThought:
			emit(Event{Type: EventAssistantThought, Text: msg.Text})
		case wireToolUse:
			emit(Event{Type: EventToolUse, ToolID: msg.ID, ToolName: msg.Name, Input: msg.Input})
		case wireToolResult:
			emit(Event{Type: EventToolResult, ToolID: msg.ID, Output: msg.Output})
		case wireToolError:
			emit(Event{Type: EventToolError, ToolID: msg.ID, Text: msg.Message})
		case wireEnd:
			emit(Event{Type: EventTurnEnd})
			return
		case wireError:
			emit(Event{Type: EventTurnError, Text: msg.Message})
			return
		default:
			a.logger.Debug("ignoring unknown backend message", zap.String("type", msg.Type))
		}
	}

	// Stream ended without a terminal marker: the child closed its stdout or
	// exited. Surface as an adapter error the circuit breaker counts.
	reason := "backend closed its output stream"
	if err := a.stdout.Err(); err != nil {
		reason = fmt.Sprintf("backend read error: %v", err)
	}
	emit(Event{Type: EventTurnError, Text: reason, AdapterFailure: true})
}

// Close shuts the child down: stdin close first, then a grace period before
// the process is killed.
func (a *SubprocessAgent) Close() error {
	if a.stdin != nil {
		_ = a.stdin.Close()
	}
	if a.cmd == nil || a.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- a.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		_ = a.cmd.Process.Kill()
		return <-done
	}
}
