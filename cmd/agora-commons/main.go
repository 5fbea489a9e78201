// Agora Commons — the shared registry where instances prove their
// identity, announce liveness, and discover peers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agora-collective/agora/internal/audit"
	"github.com/agora-collective/agora/internal/commons"
	"github.com/agora-collective/agora/internal/config"
	"github.com/agora-collective/agora/internal/ratelimit"
	"github.com/agora-collective/agora/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger := config.NewLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTraces, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, "agora-commons", version)
	if err != nil {
		logger.Warn("trace exporter unavailable, continuing without traces", zap.Error(err))
	} else {
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			_ = shutdownTraces(flushCtx)
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("cannot create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	store, err := commons.NewStore(filepath.Join(cfg.DataDir, "instances.db"))
	if err != nil {
		logger.Fatal("cannot open instance store", zap.Error(err))
	}
	defer store.Close()

	// Multi-replica deployments share one Postgres-backed limiter so the
	// registration cap holds across replicas. Single-node runs use SQLite
	// next to the instance store.
	var limiter ratelimit.Limiter
	if cfg.Commons.PostgresURL != "" {
		pg, err := ratelimit.NewPostgresLimiter(ctx, cfg.Commons.PostgresURL)
		if err != nil {
			logger.Fatal("cannot connect postgres rate limiter", zap.Error(err))
		}
		defer pg.Close()
		limiter = pg
		logger.Info("rate limiter backed by postgres")
	} else {
		sq, err := ratelimit.NewSQLiteLimiter(filepath.Join(cfg.DataDir, "ratelimit.db"))
		if err != nil {
			logger.Fatal("cannot open rate limit store", zap.Error(err))
		}
		defer sq.Close()
		limiter = sq
	}

	// Audit log: prefer SQLite-backed, fall back to in-memory.
	var auditRec audit.Recorder
	auditStore, err := audit.NewStore(filepath.Join(cfg.DataDir, "audit.db"), 10000)
	if err != nil {
		logger.Warn("cannot open audit database, falling back to in-memory", zap.Error(err))
		auditRec = audit.NewLog(10000)
	} else {
		defer auditStore.Close()
		auditRec = auditStore
	}

	server := commons.NewServer(store, limiter, auditRec, logger.Named("commons"), commons.Config{
		RegisterLimitPerDay:    cfg.Commons.RegisterLimitPerDay,
		StaleAfter:             time.Duration(cfg.Commons.StaleAfterMinutes) * time.Minute,
		PerIPRequestsPerSecond: cfg.Commons.PerIPRequestsPerSecond,
		PerIPBurst:             cfg.Commons.PerIPBurst,
	})

	sweeper := server.StartSweeper()
	defer sweeper.Stop()

	logger.Info("starting commons",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date))

	if err := server.Run(ctx, cfg.ListenAddr); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("commons stopped")
}
