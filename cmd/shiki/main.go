package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shiki/internal/auth"
	"github.com/ashita-ai/shiki/internal/catalog"
	"github.com/ashita-ai/shiki/internal/config"
	"github.com/ashita-ai/shiki/internal/executor"
	"github.com/ashita-ai/shiki/internal/orchestrator"
	"github.com/ashita-ai/shiki/internal/ratelimit"
	"github.com/ashita-ai/shiki/internal/server"
	"github.com/ashita-ai/shiki/internal/storage"
	"github.com/ashita-ai/shiki/internal/telemetry"
	"github.com/ashita-ai/shiki/internal/webhook"
	"github.com/ashita-ai/shiki/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SHIKI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("shiki starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here are real.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Catalog resolution with a short-TTL visibility rule cache.
	cat := catalog.New(db, cfg.RuleCacheTTL, logger)

	// Executor client. Without an executor URL, dispatches are no-ops and
	// pending executions are eventually failed by the reaper.
	var execClient executor.Client
	if cfg.ExecutorURL != "" {
		execClient = executor.NewHTTPClient(cfg.ExecutorURL, cfg.ExecutorSecret, cfg.ExecutorTimeout)
		logger.Info("executor: http client", "url", cfg.ExecutorURL)
	} else {
		execClient = executor.NoopClient{Logger: logger}
		logger.Warn("executor: no SHIKI_EXECUTOR_URL configured, dispatches are no-ops")
	}

	orch := orchestrator.NewService(db, cat, execClient, logger)

	// Webhook ingestion gateway (requires the shared secret).
	var gateway *webhook.Gateway
	if cfg.ExecutorSecret != "" {
		gateway = webhook.NewGateway(cfg.ExecutorSecret, orch, logger)
	} else {
		logger.Warn("webhook gateway: disabled (no SHIKI_EXECUTOR_SECRET)")
	}

	// SSE broker (requires LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Rate limiter: in-process token bucket, 50 rps with burst 100 per key.
	limiter := ratelimit.NewMemoryLimiter(50, 100)
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Catalog:             cat,
		Orchestrator:        orch,
		Gateway:             gateway,
		Broker:              broker,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Seed the bootstrap admin user.
	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		slog.Warn("admin seed failed", "error", err)
	}

	reaper := orchestrator.NewReaper(db, cfg.DispatchAckWindow, cfg.ReaperInterval, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return reaper.Run(gctx)
	})

	if broker != nil {
		g.Go(func() error {
			broker.Start(gctx)
			return nil
		})
	}

	// Stop the HTTP server when the group context ends (signal or a
	// background failure); the other goroutines exit via gctx.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shiki shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("shiki stopped")
	return nil
}
