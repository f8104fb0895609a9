package backend

import (
	"context"
	"fmt"

	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Select builds the preferred adapter from configuration, falling back to
// the other when the preferred one fails its probe. The fallback reason is
// recorded in the logs.
func Select(ctx context.Context, cfg config.BackendConfig, log *logger.Logger) (Agent, error) {
	preferred := cfg.Mode

	agent, err := build(ctx, preferred, cfg, log)
	if err == nil {
		return agent, nil
	}
	log.Warn("preferred backend unavailable, falling back",
		zap.String("preferred", preferred), zap.Error(err))

	fallback := config.BackendHTTP
	if preferred == config.BackendHTTP {
		fallback = config.BackendSubprocess
	}
	agent, fbErr := build(ctx, fallback, cfg, log)
	if fbErr != nil {
		return nil, fmt.Errorf("no usable backend: %s failed (%v), %s failed (%v)",
			preferred, err, fallback, fbErr)
	}
	log.Info("using fallback backend", zap.String("adapter", fallback))
	return agent, nil
}

func build(ctx context.Context, mode string, cfg config.BackendConfig, log *logger.Logger) (Agent, error) {
	switch mode {
	case config.BackendSubprocess:
		if cfg.Path == "" {
			return nil, fmt.Errorf("subprocess backend requires BACKEND_PATH")
		}
		return NewSubprocessAgent(ctx, cfg.Path, log)
	case config.BackendHTTP:
		return NewHTTPAgent(HTTPConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}, log)
	default:
		return nil, fmt.Errorf("unknown backend mode %q", mode)
	}
}
