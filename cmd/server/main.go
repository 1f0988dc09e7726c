// Package main is the entrypoint for the CloudVet inspection server.
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

	"golang.org/x/sync/errgroup"

	"github.com/cloudvet/cloudvet/internal/api"
	"github.com/cloudvet/cloudvet/internal/api/handler"
	mw "github.com/cloudvet/cloudvet/internal/api/middleware"
	"github.com/cloudvet/cloudvet/internal/api/response"
	"github.com/cloudvet/cloudvet/internal/cache"
	"github.com/cloudvet/cloudvet/internal/config"
	"github.com/cloudvet/cloudvet/internal/inspect"
	"github.com/cloudvet/cloudvet/internal/inspect/demo"
	"github.com/cloudvet/cloudvet/internal/orchestrator"
	"github.com/cloudvet/cloudvet/internal/persist"
	"github.com/cloudvet/cloudvet/internal/store"
	"github.com/cloudvet/cloudvet/internal/ws"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "inspector", cfg.Inspector.Kind, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and persistence cascade
	pgStore := store.NewPostgresStore(pool)

	journal, err := persist.OpenJournal(cfg.Persist.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	coordinator := persist.NewCoordinator(persist.Options{
		Store:        pgStore,
		Emergency:    redisCache,
		Journal:      journal,
		MaxAttempts:  cfg.Persist.MaxAttempts,
		BaseBackoff:  cfg.Persist.BaseBackoff,
		EmergencyTTL: cfg.Persist.EmergencyTTL,
	})

	// 6. Create broadcast hub and orchestrator
	hub := ws.NewHub(ws.HubOptions{
		HeartbeatInterval: cfg.WS.HeartbeatInterval,
		CompletionGrace:   cfg.WS.CompletionGrace,
	})

	orch, err := orchestrator.New(orchestrator.Options{
		Inspectors:    buildInspectors(),
		Credentials:   &demo.Credentials{},
		Broadcaster:   hub,
		Persister:     coordinator,
		Retention:     cfg.Inspector.Retention,
		SweepInterval: cfg.Inspector.SweepInterval,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	// 7. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	inspections := &handler.Inspections{Orchestrator: orch, Store: pgStore, Cache: redisCache}
	keys := &handler.Keys{Store: pgStore}

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache, orch),

		SubmitInspection: inspections.Submit,
		GetInspection:    inspections.Get,
		GetResult:        inspections.Result,
		CancelInspection: inspections.Cancel,

		WebSocketHandler: ws.NewHandler(hub, auth),

		CreateKeyHandler: keys.Create,
		ListKeysHandler:  keys.List,
		RevokeKeyHandler: keys.Revoke,
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server, heartbeat loop and registry sweep
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := orch.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// buildInspectors returns the scanning backends keyed by service type. Only
// the demo backend ships in this build; real backends register here.
func buildInspectors() map[string]inspect.Inspector {
	steps := len(orchestrator.DefaultStepPlan().Steps)
	inspectors := make(map[string]inspect.Inspector)
	for _, svc := range []string{"storage", "compute", "network"} {
		inspectors[svc] = demo.NewInspector(steps, 100*time.Millisecond)
	}
	return inspectors
}

// healthHandler checks database and cache connectivity and reports the
// number of active inspection jobs.
func healthHandler(s store.Store, c cache.Cache, orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":      "ok",
			"services":    checks,
			"active_jobs": orch.ActiveJobs(),
		})
	}
}
