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

	cdhttp "github.com/fieldline/conductor/internal/adapter/http"
	cdnats "github.com/fieldline/conductor/internal/adapter/nats"
	"github.com/fieldline/conductor/internal/adapter/natskv"
	cdotel "github.com/fieldline/conductor/internal/adapter/otel"
	"github.com/fieldline/conductor/internal/adapter/postgres"
	"github.com/fieldline/conductor/internal/adapter/ristretto"
	"github.com/fieldline/conductor/internal/adapter/simexec"
	"github.com/fieldline/conductor/internal/adapter/tiered"
	"github.com/fieldline/conductor/internal/adapter/ws"
	"github.com/fieldline/conductor/internal/config"
	"github.com/fieldline/conductor/internal/logger"
	"github.com/fieldline/conductor/internal/middleware"
	"github.com/fieldline/conductor/internal/port/cache"
	"github.com/fieldline/conductor/internal/resilience"
	"github.com/fieldline/conductor/internal/service"
	"github.com/fieldline/conductor/internal/workpool"
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

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"floor_confidence", cfg.Orchestrator.FloorConfidence,
		"target_confidence", cfg.Orchestrator.TargetConfidence,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	// Telemetry
	shutdownTelemetry, err := cdotel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	// PostgreSQL
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

	// NATS (optional: an empty URL disables event publication)
	var queue *cdnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = cdnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
	}

	// Prior cache: local ristretto L1, layered over a shared NATS KV bucket
	// when a queue is configured.
	local, err := ristretto.New(cfg.Cache.PriorSizeMB << 20)
	if err != nil {
		return fmt.Errorf("prior cache: %w", err)
	}
	defer local.Close()

	var priorCache cache.Cache = local
	if queue != nil {
		kv, err := queue.KeyValue(ctx, "conductor_priors", cfg.Cache.PriorTTL)
		if err != nil {
			return fmt.Errorf("prior kv bucket: %w", err)
		}
		priorCache = tiered.New(local, natskv.New(kv), cfg.Cache.PriorTTL)
	}

	// --- Services ---

	hub := ws.NewHub()
	store := postgres.NewStore(pool)

	metrics, err := cdotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	model := service.NewConfidenceModel(store)
	model.SetPriorCache(priorCache, cfg.Cache.PriorTTL)

	predictor := service.NewTransitionPredictor(store)
	if err := predictor.Load(ctx); err != nil {
		return fmt.Errorf("load transitions: %w", err)
	}

	orch := service.NewOrchestrator(store, model, predictor,
		simexec.NewExecutor(), simexec.NewRunner(), cfg.Orchestrator, log)
	orch.SetBroadcaster(hub)
	orch.SetMeter(metrics)
	orch.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	orch.SetPool(workpool.New(cfg.Orchestrator.MaxConcurrentRuns))
	if queue != nil {
		orch.SetQueue(queue)
	}

	engine := service.NewSelfCorrectionEngine(store, orch, predictor, cfg.Orchestrator, log)
	engine.SetMeter(metrics)
	if queue != nil {
		engine.SetQueue(queue)
	}

	// --- HTTP ---

	handlers := &cdhttp.Handlers{
		Orchestrator: orch,
		Confidence:   model,
		Predictor:    predictor,
		Correction:   engine,
		Hub:          hub,
		Pool:         pool,
	}
	if queue != nil {
		handlers.Queue = queue
	}

	r := chi.NewRouter()

	if cfg.Server.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
		defer stopCleanup()
		r.Use(limiter.Handler)
	}
	r.Use(cdhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cdhttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(cdotel.HTTPMiddleware(cfg.Logging.Service))

	cdhttp.MountRoutes(r, handlers)

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
