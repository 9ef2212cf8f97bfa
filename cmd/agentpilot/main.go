package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/pilotcrew/agentpilot/internal/adapter/guard"
	aphttp "github.com/pilotcrew/agentpilot/internal/adapter/http"
	"github.com/pilotcrew/agentpilot/internal/adapter/llmproxy"
	apnats "github.com/pilotcrew/agentpilot/internal/adapter/nats"
	apotel "github.com/pilotcrew/agentpilot/internal/adapter/otel"
	"github.com/pilotcrew/agentpilot/internal/adapter/postgres"
	"github.com/pilotcrew/agentpilot/internal/adapter/ristretto"
	"github.com/pilotcrew/agentpilot/internal/adapter/sandbox"
	"github.com/pilotcrew/agentpilot/internal/adapter/ws"
	"github.com/pilotcrew/agentpilot/internal/config"
	"github.com/pilotcrew/agentpilot/internal/domain/risk"
	"github.com/pilotcrew/agentpilot/internal/logger"
	"github.com/pilotcrew/agentpilot/internal/resilience"
	"github.com/pilotcrew/agentpilot/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"workers", cfg.Queue.Workers,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	shutdownTracer, err := apotel.InitTracer(ctx, cfg.Logging.Service, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := apnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Drain() }()

	jobs, err := apnats.NewJobQueue(ctx, queue,
		cfg.Queue.Workers, cfg.Queue.MaxAttempts, cfg.Queue.VisibilityTimeout, cfg.Queue.RetryBackoff)
	if err != nil {
		return fmt.Errorf("job queue: %w", err)
	}

	l1, err := ristretto.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()

	// --- Capabilities ---

	modelClient := llmproxy.NewClient(cfg.Model)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	modelClient.SetBreaker(breaker)

	toolRunner := sandbox.NewClient(cfg.Sandbox)

	scanner, err := guard.NewScanner()
	if err != nil {
		return fmt.Errorf("guardrail: %w", err)
	}

	risks := risk.NewRegistry()
	if err := risks.LoadDir(cfg.Risk.CustomDir); err != nil {
		return fmt.Errorf("risk registry: %w", err)
	}

	// --- Services ---

	hub := ws.NewHub()
	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)

	progressSvc := service.NewProgressService(events, store, queue, hub)
	interruptSvc := service.NewInterruptService(store, queue, hub, cfg.Approval.Timeout)
	routerSvc := service.NewRouterService(modelClient, l1, cfg.Router)
	taskAgent := service.NewTaskAgent(modelClient, toolRunner, scanner, risks, interruptSvc, progressSvc, store, cfg.Agent)
	researchAgent := service.NewResearchAgent(modelClient, toolRunner, progressSvc, cfg.Agent, cfg.Research)
	supervisor := service.NewSupervisor(routerSvc, taskAgent, researchAgent, store, progressSvc, cfg.Agent)
	taskSvc := service.NewTaskService(store, jobs, queue, l1, hub)
	workers := service.NewWorkerPool(jobs, store, queue, supervisor, progressSvc, hub, cfg.Queue)

	stopWorkers, err := workers.Start(ctx)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	defer stopWorkers()
	slog.Info("worker pool started", "workers", cfg.Queue.Workers)

	// --- HTTP ---

	handlers := aphttp.NewHandlers(taskSvc, interruptSvc, progressSvc, func() map[string]any {
		return map[string]any{
			"nats":          queue.IsConnected(),
			"ws_clients":    hub.ConnectionCount(),
			"postgres_ping": pool.Ping(ctx) == nil,
			"model_breaker": breaker.State(),
		}
	})

	r := chi.NewRouter()
	r.Use(aphttp.CORS(cfg.Server.CORSOrigin))
	r.Use(aphttp.RequestID)
	r.Use(aphttp.Logger)
	r.Use(apotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	aphttp.MountRoutes(r, handlers, hub)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
