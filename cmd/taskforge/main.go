package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	tfhttp "github.com/evecore/taskforge/internal/adapter/http"
	tfnats "github.com/evecore/taskforge/internal/adapter/nats"
	"github.com/evecore/taskforge/internal/adapter/otel"
	"github.com/evecore/taskforge/internal/adapter/postgres"
	"github.com/evecore/taskforge/internal/adapter/ristretto"
	"github.com/evecore/taskforge/internal/adapter/ws"
	"github.com/evecore/taskforge/internal/config"
	"github.com/evecore/taskforge/internal/logger"
	"github.com/evecore/taskforge/internal/middleware"
	"github.com/evecore/taskforge/internal/queue"
	"github.com/evecore/taskforge/internal/registry"
	"github.com/evecore/taskforge/internal/resilience"
	"github.com/evecore/taskforge/internal/service"
)

const idempotencyBucket = "taskforge_idempotency"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

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
		"dispatch_interval", cfg.Dispatch.Interval,
		"heartbeat_timeout", cfg.Registry.HeartbeatTimeout,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	otelShutdown, err := otel.Setup(ctx, cfg.OTel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
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

	mq, err := tfnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = mq.Close() }()

	kv, err := mq.KeyValue(ctx, idempotencyBucket, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("idempotency bucket: %w", err)
	}

	statusCache, err := ristretto.New(int64(cfg.Cache.MaxSizeMB) << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer statusCache.Close()

	// --- Core state ---
	store := postgres.NewStore(pool)
	q := queue.New()
	reg := registry.New(cfg.Registry.HeartbeatTimeout)
	hub := ws.NewHub()
	breakers := resilience.NewGroup(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	waits := service.NewWaitTracker(128)

	if err := otel.RegisterQueueDepth(q.Len); err != nil {
		return fmt.Errorf("queue depth gauge: %w", err)
	}

	// --- Services ---
	dispatcher := service.NewDispatcher(store, q, reg, mq, breakers, hub, metrics, waits, cfg.Dispatch)
	taskSvc := service.NewTaskService(store, q, reg, mq, hub, metrics)
	workerSvc := service.NewWorkerService(reg, store, hub)
	statsSvc := service.NewStatsService(store, q, reg, statusCache, waits, cfg.Cache.StatusTTL)

	if err := dispatcher.Rebuild(ctx); err != nil {
		return err
	}

	stopSubs, err := dispatcher.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribers: %w", err)
	}
	defer stopSubs()

	// --- HTTP ---
	handlers := &tfhttp.Handlers{
		Tasks:   taskSvc,
		Workers: workerSvc,
		Stats:   statsSvc,
	}

	r := chi.NewRouter()
	r.Use(tfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(tfhttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.Caller)
	r.Use(tfhttp.Logger)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(middleware.Idempotency(kv))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", healthHandler(pool.Ping, mq.IsConnected))
	r.Get("/ws", hub.HandleWS)
	tfhttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return dispatcher.RunSweeper(gctx, cfg.Registry.SweepInterval) })
	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return mq.Drain()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// healthHandler reports liveness of the server and its dependencies.
func healthHandler(pgPing func(context.Context) error, natsUp func() bool) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", Postgres: "up", NATS: "up"}
		code := http.StatusOK

		if err := pgPing(r.Context()); err != nil {
			status.Status, status.Postgres = "degraded", "down"
			code = http.StatusServiceUnavailable
		}
		if !natsUp() {
			status.Status, status.NATS = "degraded", "down"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
