// Package main is the entry point for the dialqueue server: the HTTP
// ingress, the dispatcher, and the per-call supervisors all run in this
// one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dialops/dialqueue/internal/agent"
	"github.com/dialops/dialqueue/internal/api"
	"github.com/dialops/dialqueue/internal/clock"
	"github.com/dialops/dialqueue/internal/config"
	"github.com/dialops/dialqueue/internal/database"
	"github.com/dialops/dialqueue/internal/logging"
	"github.com/dialops/dialqueue/internal/metrics"
	"github.com/dialops/dialqueue/internal/plivo"
	"github.com/dialops/dialqueue/internal/ratelimit"
	"github.com/dialops/dialqueue/internal/repository"
	"github.com/dialops/dialqueue/internal/service"
	"github.com/dialops/dialqueue/internal/shutdown"
	"github.com/dialops/dialqueue/internal/sink"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(&logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Environment: cfg.Server.Environment,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger := log.Zap()
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("starting dialqueue server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("env", cfg.Server.Environment),
	)

	ctx := context.Background()
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	// Note: db.Close() is handled by shutdown coordinator

	migrator := database.NewMigrator(db.Pool, logger)
	if err := migrator.Migrate(ctx); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	m := metrics.NewMetrics()
	clk := clock.New()

	store := repository.NewJobStore(db, logger)

	providerClient := plivo.New(&plivo.Config{
		AuthID:     cfg.Plivo.AuthID,
		AuthToken:  cfg.Plivo.AuthToken,
		FromNumber: cfg.Plivo.PhoneNumber,
		BaseURL:    cfg.Plivo.APIURL,
		Timeout:    cfg.Supervisor.RequestTimeout,
	}, logger)

	agentClient := agent.New(&agent.Config{
		BaseURL: cfg.Agent.BaseURL,
		Timeout: cfg.Supervisor.RequestTimeout,
	}, logger)

	resultSink := sink.New(&sink.Config{
		URL:     cfg.Backend.SinkURL,
		Timeout: cfg.Supervisor.RequestTimeout,
	}, logger)

	supervisorCfg := service.DefaultSupervisorConfig()
	supervisorCfg.InitialStatusDelay = cfg.Supervisor.InitialStatusDelay
	supervisorCfg.StatusCheckInterval = cfg.Supervisor.StatusCheckInterval
	supervisorCfg.RequestTimeout = cfg.Supervisor.RequestTimeout
	supervisorCfg.MaxStatusRetries = cfg.Supervisor.MaxStatusRetries
	supervisorCfg.StuckCallDeadline = cfg.Supervisor.StuckCallDeadline
	supervisorCfg.MinConnectedSeconds = cfg.Supervisor.MinConnectedSeconds
	supervisor := service.NewCallSupervisor(store, providerClient, agentClient, resultSink, clk, m, logger, supervisorCfg)

	dispatcherCfg := service.DefaultDispatcherConfig()
	dispatcherCfg.Workers = cfg.Queue.Workers
	dispatcherCfg.MaxConcurrentCalls = cfg.Queue.MaxConcurrentCalls
	dispatcherCfg.PromoteInterval = cfg.Queue.PromoteInterval
	dispatcherCfg.SweepInterval = cfg.Queue.SweepInterval
	dispatcherCfg.HardDeadline = cfg.Queue.HardDeadline
	dispatcherCfg.StuckThreshold = cfg.Queue.StuckThreshold
	dispatcherCfg.RetentionWindow = cfg.Queue.RetentionWindow
	limiter := ratelimit.NewLimiter(cfg.Queue.RateLimitPerSecond)
	dispatcher := service.NewDispatcher(store, supervisor, resultSink, limiter, clk, m, logger, dispatcherCfg)

	queueService := service.NewQueueService(store, clk, m, logger)

	shutdownCoord := shutdown.NewCoordinator(&shutdown.Config{
		Timeout: 30 * time.Second,
	}, logger)
	readiness := shutdown.NewReadinessProbe(shutdownCoord)

	router := api.NewRouter(&api.RouterConfig{
		Calls:   api.NewCallHandler(queueService, logger),
		Health:  api.NewHealthHandler(db, readiness, logger),
		Metrics: m,
		Logger:  log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("failed to start dispatcher", zap.Error(err))
	}

	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Gauge refresh for signals owned by clients rather than the
	// dispatcher: breaker state and pool utilization.
	gaugeDone := make(chan struct{})
	go func() {
		defer close(gaugeDone)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.SetCircuitBreakerState("plivo", int(providerClient.BreakerState()))
				if stats := db.Stats(); stats != nil {
					m.UpdateDBConnections(int(stats.TotalConns()), int(stats.AcquiredConns()))
				}
			case <-shutdownCoord.ShutdownCh():
				return
			}
		}
	}()

	// Shutdown order: stop taking requests, stop claiming jobs, let
	// in-flight supervisions finish, then release resources.
	shutdownCoord.RegisterFunc(shutdown.PhaseDrain, "http-server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})
	shutdownCoord.RegisterFunc(shutdown.PhaseShutdown, "dispatcher", func(ctx context.Context) error {
		return dispatcher.Stop(ctx)
	})
	shutdownCoord.RegisterFunc(shutdown.PhaseCleanup, "gauge-refresh", func(ctx context.Context) error {
		select {
		case <-gaugeDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdownCoord.RegisterFunc(shutdown.PhaseCleanup, "database", func(ctx context.Context) error {
		db.Close()
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("received shutdown signal")

	if err := shutdownCoord.Shutdown(ctx); err != nil {
		logger.Error("shutdown completed with errors", zap.Error(err))
	}
}
