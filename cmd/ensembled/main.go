// Package main is the entry point for the Ensemble orchestration server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/config"
	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/events"
	gatewayws "github.com/ensemble-ai/ensemble/internal/gateway/websocket"
	"github.com/ensemble-ai/ensemble/internal/history"
	"github.com/ensemble-ai/ensemble/internal/proxy"
	"github.com/ensemble-ai/ensemble/internal/python"
	"github.com/ensemble-ai/ensemble/internal/server/api"
	"github.com/ensemble-ai/ensemble/internal/server/handlers"
	"github.com/ensemble-ai/ensemble/internal/session"
	"github.com/ensemble-ai/ensemble/internal/terminal/parser"
	"github.com/ensemble-ai/ensemble/internal/tracing"
	"github.com/ensemble-ai/ensemble/internal/workflow"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Ensemble server...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory by default, NATS when configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	log.Info("Event bus ready", zap.String("bus", cfg.Events.Bus))

	// 5. Shared infrastructure
	hist := history.NewStore(cfg.History, log)
	proxies := proxy.NewManager(cfg.Proxy, log)
	pyExec := python.NewExecutor(log)
	runtime := workflow.NewRuntime(log)
	parsers := parser.NewRegistry()

	// 6. Default session and registry
	defSession := session.New(session.DefaultName, hist,
		events.NewBusSink(eventBus, session.DefaultName, log), log)
	defSession.SetReleaseHook(proxies.Release)
	registry := session.NewRegistry(defSession)

	// 7. Command handlers and dispatcher
	stopCh := make(chan struct{}, 1)
	h := handlers.New(handlers.Deps{
		Config:   cfg,
		Registry: registry,
		Bus:      eventBus,
		History:  hist,
		Proxies:  proxies,
		Python:   pyExec,
		Runtime:  runtime,
		Parsers:  parsers,
		Logger:   log,
		OnStop: func() {
			select {
			case stopCh <- struct{}{}:
			default:
			}
		},
	})
	dispatcher := protocol.NewDispatcher()
	h.RegisterHandlers(dispatcher)

	// 8. WebSocket hub
	hub := gatewayws.NewHub(dispatcher, eventBus, log)
	go hub.Run(ctx)

	// 9. HTTP server with Gin
	router := api.SetupRouter(cfg, hub, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown: a signal, or a stop command
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case <-stopCh:
		log.Info("Stop command received")
	}

	log.Info("Shutting down Ensemble server...")
	cancel()

	// 11. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := registry.CloseAll(shutdownCtx); err != nil {
		log.Error("Session shutdown error", zap.Error(err))
	}
	proxies.ReleaseAll()
	pyExec.CloseAll()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Ensemble server stopped")
}
