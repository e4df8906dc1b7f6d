// agentgate - approval-gated tool invocation server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentgate/internal/agent"
	"github.com/ashureev/agentgate/internal/api"
	"github.com/ashureev/agentgate/internal/config"
	"github.com/ashureev/agentgate/internal/events"
	"github.com/ashureev/agentgate/internal/gateway"
	"github.com/ashureev/agentgate/internal/identity"
	"github.com/ashureev/agentgate/internal/metrics"
	"github.com/ashureev/agentgate/internal/middleware"
	"github.com/ashureev/agentgate/internal/orchestrator"
	"github.com/ashureev/agentgate/internal/policy"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/ashureev/agentgate/internal/store"
	"github.com/ashureev/agentgate/internal/tools"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.StoreDriver)

	st, pinger, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize proposal store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("Failed to close proposal store", "error", closeErr)
		}
	}()

	registry, err := loadPolicy(cfg)
	if err != nil {
		slog.Error("Failed to load tool policy", "error", err, "path", cfg.PolicyFile)
		os.Exit(1)
	}

	handlers := gateway.NewRegistry()
	if err := tools.Register(handlers, tools.NewOutbox()); err != nil {
		slog.Error("Failed to register tools", "error", err)
		os.Exit(1)
	}
	for _, e := range registry.Entries() {
		if _, ok := handlers.Lookup(e.ToolName); !ok {
			slog.Warn("Policy names a tool without a handler", "tool", e.ToolName)
		}
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNew(promRegistry)

	hub := events.NewHub(cfg.SSE.ReplaySize, cfg.SSE.BufferSize, m)
	sessions := session.NewManager()

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Policy:   registry,
		Gateway:  gateway.New(st, handlers, cfg.Approval.ToolTimeout),
		Hub:      hub,
		Sessions: sessions,
		Metrics:  m,
	}, orchestrator.Config{
		ApprovalTimeout:    cfg.Approval.Timeout,
		SessionIdleTimeout: cfg.Approval.SessionIdleTimeout,
	})
	if err != nil {
		slog.Error("Failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	service, err := agent.NewScriptedService(orch, hub, agent.DefaultConfig(), conversationLogger)
	if err != nil {
		slog.Error("Failed to initialize agent service", "error", err)
		os.Exit(1)
	}
	defer service.Close()

	chatLimiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration, cfg.RateLimit.Burst)
	apiLimiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration, cfg.RateLimit.Burst)

	conns := api.NewConnections()
	agentHandler := agent.NewHandler(service, hub, sessions, chatLimiter, cfg)
	apiHandler := api.NewHandler(orch, sessions, conns, cfg)
	healthHandler := api.NewHealthHandler(pinger, sessions, conns, cfg)
	wsHandler := api.NewWebSocketHandler(orch, sessions, hub, conns, cfg.AllowedOrigins, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	// All remaining routes carry an anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))

		agentHandler.RegisterRoutes(r)
		wsHandler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(apiLimiter, identity.RateLimitKey))
			apiHandler.RegisterRoutes(r)
		})
	})

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return session.RunSweeper(gctx, cfg.Approval.SweepInterval, orch.Sweep)
	})

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// openStore opens the configured proposal store. The pinger is nil for the
// in-memory store.
func openStore(cfg *config.Config) (store.ProposalStore, api.Pinger, error) {
	if cfg.StoreDriver != config.StoreSQLite {
		slog.Info("Using in-memory proposal store")
		return store.NewMemory(), nil, nil
	}

	db, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(context.Background()); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// No waiter survives a restart, so proposals left open are finalized.
	canceled, failed, err := db.RecoverInterrupted(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	slog.Info("Interrupted proposals recovered", "canceled", canceled, "failed", failed)
	return db, db, nil
}

func loadPolicy(cfg *config.Config) (*policy.Registry, error) {
	if cfg.PolicyFile == "" {
		slog.Info("Using built-in tool policy")
		return policy.NewRegistry(policy.Defaults())
	}
	slog.Info("Loading tool policy", "path", cfg.PolicyFile)
	return policy.Load(cfg.PolicyFile)
}
