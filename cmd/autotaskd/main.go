package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotask/internal/api"
	"autotask/internal/bootstrap"
	"autotask/internal/config"
	"autotask/internal/core"
	"autotask/internal/logging"
	autotaskmcp "autotask/internal/mcp"
	"autotask/internal/notify"
	"autotask/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	var logger *slog.Logger
	if cfg.Mode == "mcp" {
		// stdout carries the MCP protocol stream in this mode
		logger = logging.NewStderr(cfg.Log.Level)
	} else {
		logger = logging.New(cfg.Log.Level)
	}

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	if err := bootstrap.Seed(baseCtx, storeInst, cfg.SeedFile, logger); err != nil {
		logger.Error("seed store", "err", err)
		os.Exit(1)
	}

	policies, err := cfg.Policies()
	if err != nil {
		logger.Error("load retry policies", "err", err)
		os.Exit(1)
	}

	notifier := notify.FromConfig(cfg.Alert.WebhookURL, cfg.Alert.Command, logger)
	alerter := notify.NewAlerter(notifier, logger)

	executor := core.NewProcessExecutor(core.ExecutorConfig{
		AgentCommand:   cfg.Exec.AgentCommand,
		HomeDir:        cfg.Exec.HomeDir,
		DefaultTimeout: cfg.Exec.DefaultTimeout,
	}, logger)
	backoff := core.NewController(storeInst, policies, alerter, logger)
	dispatcher := core.NewDispatcher(storeInst, executor, backoff, logger, core.DispatcherConfig{
		TickInterval: cfg.Dispatch.TickInterval,
		BatchSize:    cfg.Dispatch.BatchSize,
		Workers:      cfg.Dispatch.Workers,
	})

	// Finalize runs left behind by a previous process before dispatching
	// anything new.
	if err := dispatcher.RecoverOrphans(baseCtx, time.Now().UTC()); err != nil {
		logger.Error("recover orphaned runs", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatcherDone)
	}()

	switch cfg.Mode {
	case "mcp":
		runMCPMode(storeInst, dispatcher, backoff, logger, cancel, dispatcherDone, cfg.ShutdownGrace)
	default:
		runServeMode(cfg, storeInst, dispatcher, backoff, logger, cancel, dispatcherDone)
	}
}

// runServeMode starts the HTTP API alongside the dispatch loop.
func runServeMode(cfg *config.Config, storeInst *store.Store, dispatcher *core.Dispatcher, backoff *core.Controller, logger *slog.Logger, cancel context.CancelFunc, dispatcherDone chan struct{}) {
	mcpServer := autotaskmcp.NewMCPServer(storeInst, dispatcher, backoff, logger)
	server, err := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, dispatcher, backoff, mcpServer, logger)
	if err != nil {
		logger.Error("create server", "err", err)
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	cancel()
	select {
	case <-dispatcherDone:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("dispatcher drain timed out")
	}
	logger.Info("shutdown complete")
}

// runMCPMode serves the MCP protocol on stdio. The dispatch loop keeps
// running, so scheduled tasks fire while an agent session is attached.
func runMCPMode(storeInst *store.Store, dispatcher *core.Dispatcher, backoff *core.Controller, logger *slog.Logger, cancel context.CancelFunc, dispatcherDone chan struct{}, grace time.Duration) {
	mcpServer := autotaskmcp.NewMCPServer(storeInst, dispatcher, backoff, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
	}

	cancel()
	select {
	case <-dispatcherDone:
	case <-time.After(grace):
		logger.Warn("dispatcher drain timed out")
	}
}
