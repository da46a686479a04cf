// Improv Stage - turn orchestration and multi-agent audio server
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

	"github.com/ashureev/improv-stage/internal/ambient"
	"github.com/ashureev/improv-stage/internal/api"
	"github.com/ashureev/improv-stage/internal/config"
	"github.com/ashureev/improv-stage/internal/middleware"
	"github.com/ashureev/improv-stage/internal/phase"
	"github.com/ashureev/improv-stage/internal/stage"
	"github.com/ashureev/improv-stage/internal/store"
	"github.com/ashureev/improv-stage/internal/voice"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
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
	if cfg.Debug {
		level.Set(slog.LevelDebug)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "db_driver", cfg.DB.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := openStore(ctx, cfg.DB)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Session store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Session store connected")

	shutdownTelemetry, err := setupTelemetry(ctx, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	gw, closeAgents, err := buildGateway(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize agent gateway", "error", err)
		os.Exit(1)
	}
	defer closeAgents()

	registry := ambient.NewRegistry(ambient.Engine{
		Cooldown:       cfg.Ambient.Cooldown,
		HighEnergy:     cfg.Ambient.HighEnergy,
		ModerateEnergy: cfg.Ambient.ModerateEnergy,
	}, nil)
	policy := phase.Policy{
		FallibleAfterTurns: cfg.Phase.FallibleAfterTurns,
		StabilityThreshold: cfg.Phase.StabilityThreshold,
	}
	mgr := stage.NewManager(repo, gw, policy, registry, stage.Config{
		SceneLength:   cfg.Session.SceneLength,
		SessionTTL:    cfg.Session.TTL,
		TurnDeadline:  cfg.Session.TurnDeadline,
		CommitTimeout: cfg.Session.CommitTimeout,
		CoachTimeout:  cfg.Session.CoachTimeout,
		HistoryWindow: cfg.Session.HistoryWindow,
		SampleRate:    cfg.Audio.SampleRate,
	}, logger)

	conns := voice.NewConnManager()
	createLimiter := middleware.NewRateLimiter(ctx, cfg.HTTPRateLimit.RequestsPerWindow, cfg.HTTPRateLimit.WindowDuration)

	// Initialize handlers.
	baseHandler := api.NewHandler(mgr, gw, repo)
	sessionHandler := api.NewSessionHandler(baseHandler, createLimiter.Handler)
	healthHandler := api.NewHealthHandler(baseHandler)
	wsHandler := voice.NewHandler(mgr, conns, cfg.AllowedOrigins, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	healthHandler.RegisterRoutes(r)
	sessionHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// Create server.
	// WebSocket scenes are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(r, "improv-stage"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start TTL worker.
	stage.StartTTLWorker(ctx, repo, cfg.Session.SweepInterval, func(sessionID string) {
		mgr.Forget(sessionID)
		conns.CloseSession(sessionID)
	})

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("Failed to flush telemetry", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func openStore(ctx context.Context, cfg config.DBConfig) (store.Repository, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.URL)
	case "memory":
		slog.Warn("Using in-memory session store; sessions are lost on restart")
		return store.NewMemory(), nil
	default:
		return store.NewSQLite(ctx, cfg.Path)
	}
}
