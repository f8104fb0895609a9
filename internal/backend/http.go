package backend

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// HTTPConfig parameterizes the completion-API adapter.
type HTTPConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// HTTPAgent adapts an HTTP completion API to the Agent interface. One
// request is issued per turn; the response streams as incremental text
// events when the endpoint supports it.
type HTTPAgent struct {
	client sdk.Client
	cfg    HTTPConfig
	logger *logger.Logger
}

// NewHTTPAgent creates the completion-API adapter. The key falls back to the
// standard environment variables when not configured explicitly.
func NewHTTPAgent(cfg HTTPConfig, log *logger.Logger) (*HTTPAgent, error) {
	cfg.APIKey = resolveAPIKey(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("http backend requires BACKEND_API_KEY or ANTHROPIC_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = string(sdk.ModelClaudeSonnet4_20250514)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &HTTPAgent{
		client: sdk.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
		logger: log.WithComponent("http-backend"),
	}, nil
}

// Authenticate verifies the API key with a minimal request.
func (a *HTTPAgent) Authenticate(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, sdk.ModelListParams{})
	if err != nil {
		return fmt.Errorf("backend authentication failed: %w", err)
	}
	return nil
}

// Version reports the configured model identifier.
func (a *HTTPAgent) Version(_ context.Context) (string, error) {
	return a.cfg.Model, nil
}

// Name identifies the adapter.
func (a *HTTPAgent) Name() string {
	return "http"
}

// StartTurn issues one completion request and streams the response. The
// completion API has no tool execution of its own, so the stream carries
// text and thought events only.
func (a *HTTPAgent) StartTurn(ctx context.Context, req TurnRequest) (*TurnStream, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.cfg.Model),
		MaxTokens: int64(a.cfg.MaxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if a.cfg.Temperature > 0 {
		params.Temperature = sdk.Float(a.cfg.Temperature)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	events := make(chan Event, 16)

	stream := a.client.Messages.NewStreaming(turnCtx, params)
	go a.consumeStream(turnCtx, stream, events)

	// Dropping the connection aborts the request.
	return NewTurnStream(events, cancel), nil
}

type messageStream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

func (a *HTTPAgent) consumeStream(ctx context.Context, stream messageStream, events chan<- Event) {
	defer close(events)
	defer func() { _ = stream.Close() }()

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" && !emit(Event{Type: EventAssistantText, Text: delta.Text}) {
					return
				}
			case sdk.ThinkingDelta:
				if delta.Thinking != "" && !emit(Event{Type: EventAssistantThought, Text: delta.Thinking}) {
					return
				}
			}
		case sdk.MessageStopEvent:
			emit(Event{Type: EventTurnEnd})
			return
		}
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		a.logger.Warn("completion stream failed", zap.Error(err))
		emit(Event{Type: EventTurnError, Text: fmt.Sprintf("backend request failed: %v", err), AdapterFailure: true})
		return
	}
	emit(Event{Type: EventTurnEnd})
}

// Close releases nothing; the SDK client holds no persistent resources.
func (a *HTTPAgent) Close() error {
	return nil
}
