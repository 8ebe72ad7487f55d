// Command baseliner-server runs the control-plane HTTP API: device
// enrollment, policy compilation, report ingest and the admin surface
// of spec §4, wired together from their individual store packages.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/baseliner/baseliner/pkg/assignment"
	"github.com/baseliner/baseliner/pkg/audit"
	"github.com/baseliner/baseliner/pkg/compiler"
	"github.com/baseliner/baseliner/pkg/config"
	"github.com/baseliner/baseliner/pkg/device"
	"github.com/baseliner/baseliner/pkg/httpapi"
	"github.com/baseliner/baseliner/pkg/maintenance"
	"github.com/baseliner/baseliner/pkg/observability"
	"github.com/baseliner/baseliner/pkg/policy"
	"github.com/baseliner/baseliner/pkg/ratelimit"
	"github.com/baseliner/baseliner/pkg/runingest"
	"github.com/baseliner/baseliner/pkg/token"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx := context.Background()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("baseliner: open database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("baseliner: ping database: %v", err)
	}
	logger.Info("postgres: connected")

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTELExporterOTLPEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("baseliner: init observability: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown failed", "error", err)
		}
	}()

	auditLog := audit.New(db)
	if err := auditLog.Init(ctx); err != nil {
		log.Fatalf("baseliner: init audit log: %v", err)
	}

	tokens := token.NewService(db, cfg.TokenPepper)
	if err := tokens.Init(ctx); err != nil {
		log.Fatalf("baseliner: init token service: %v", err)
	}

	devices := device.NewRegistry(db, tokens, auditLog)
	if err := devices.Init(ctx); err != nil {
		log.Fatalf("baseliner: init device registry: %v", err)
	}

	policies := policy.NewStore(db, auditLog)
	if err := policies.Init(ctx); err != nil {
		log.Fatalf("baseliner: init policy store: %v", err)
	}

	assignments := assignment.NewStore(db, auditLog)
	if err := assignments.Init(ctx); err != nil {
		log.Fatalf("baseliner: init assignment store: %v", err)
	}

	ingester := runingest.NewIngester(db, devices, runingest.Limits{MaxItems: 5000, MaxLogs: 2000}, obs)
	if err := ingester.Init(ctx); err != nil {
		log.Fatalf("baseliner: init run ingester: %v", err)
	}

	pruner := maintenance.NewPruner(db)
	comp := compiler.New(db, devices, policies, assignments, obs)

	limiter := ratelimit.New(
		rateLimitStore(cfg),
		ratelimit.Policy{PerMinute: cfg.RateLimitReportsPerMinute, Burst: cfg.RateLimitReportsBurst},
		ratelimit.Policy{PerMinute: cfg.RateLimitIPPerMinute, Burst: cfg.RateLimitIPBurst},
	)

	server := httpapi.New(cfg, db, devices, policies, assignments, tokens, comp, ingester, pruner, auditLog, limiter, obs)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthServer := &http.Server{Addr: ":" + cfg.HealthPort, Handler: healthMux}

	go func() {
		logger.Info("health server listening", "port", cfg.HealthPort)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	go func() {
		logger.Info("api server listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown failed", "error", err)
	}
	return 0
}

// rateLimitStore picks a Redis-backed store when REDIS_URL is set so a
// horizontally-scaled deployment shares bucket state, falling back to
// an in-memory store for local development (spec §5, §9).
func rateLimitStore(cfg *config.Config) ratelimit.Store {
	if cfg.RedisURL == "" {
		return ratelimit.NewMemoryStore()
	}
	store, err := ratelimit.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("baseliner: connect redis rate limit store: %v", err)
	}
	return store
}

func logLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
