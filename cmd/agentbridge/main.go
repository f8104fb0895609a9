// Command agentbridge speaks the Agent Client Protocol on stdio and
// translates it to a backend coding agent. Editor hosts spawn it as a child
// process; all logging goes to stderr so stdout stays clean for frames.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentbridge/agentbridge/internal/backend"
	"github.com/agentbridge/agentbridge/internal/bridge"
	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/contextmon"
	"github.com/agentbridge/agentbridge/internal/diagnostics"
	"github.com/agentbridge/agentbridge/internal/guard"
	"github.com/agentbridge/agentbridge/internal/permission"
	"github.com/agentbridge/agentbridge/internal/session"
	"github.com/agentbridge/agentbridge/internal/turn"
	"github.com/agentbridge/agentbridge/pkg/acp/jsonrpc"
)

const version = "0.3.0"

func main() {
	diagnose := flag.Bool("diagnose", false, "print a JSON diagnostic report and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:   cfg.LogLevel(),
		Format:  "console",
		LogFile: cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	resourceGuard := guard.NewResourceGuard(guard.Limits{
		MaxConcurrentSessions:   cfg.Limits.MaxConcurrentSessions,
		MaxConcurrentOperations: cfg.Limits.MaxConcurrentOperations,
		MemoryWarningMiB:        cfg.Limits.MemoryWarningMiB,
		MemoryCriticalMiB:       cfg.Limits.MemoryCriticalMiB,
		MaxFDEstimate:           guard.DefaultLimits().MaxFDEstimate,
	}, log)

	if *diagnose {
		if err := diagnostics.Write(os.Stdout, diagnostics.Collect(version, cfg, resourceGuard)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write diagnostic report: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log.Info("Starting ACP bridge", zap.String("version", version),
		zap.String("backend_mode", cfg.Backend.Mode),
		zap.String("permission_mode", cfg.PermissionMode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent, err := backend.Select(ctx, cfg.Backend, log)
	if err != nil {
		log.Fatal("No usable backend", zap.Error(err))
	}
	defer agent.Close()
	log.Info("Backend ready", zap.String("adapter", agent.Name()))

	transport := jsonrpc.NewTransport(os.Stdin, os.Stdout, log)
	endpoint := jsonrpc.NewEndpoint(transport, log)

	monitor := contextmon.NewMonitor(log)
	defer monitor.Close()

	breaker := guard.NewBreaker(guard.DefaultBreakerConfig(), log)
	broker := permission.NewBroker(endpoint, log)
	sessions := session.NewManager(cfg.PermissionMode, resourceGuard, monitor, log)
	executor := turn.NewExecutor(agent, breaker, resourceGuard, monitor, broker, endpoint, cfg.MaxTurns, log)
	bridge.NewFacade(endpoint, sessions, executor, agent, monitor, log)

	transport.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Serve returns when stdin closes or the context is cancelled; a signal
	// cancels the group context and unblocks Serve.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return endpoint.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case sig := <-quit:
			log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("RPC endpoint stopped", zap.Error(err))
	} else {
		log.Info("Host closed the connection")
	}

	// Cancel in-flight turns, flush pending writes, then exit.
	cancel()
	sessions.DisposeAll()
	transport.Close()
	transport.Drain()

	log.Info("ACP bridge stopped")
}
