package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/agentrt"
	"github.com/relay-ai/orchestrator/internal/auth"
	"github.com/relay-ai/orchestrator/internal/circuitbreaker"
	"github.com/relay-ai/orchestrator/internal/config"
	"github.com/relay-ai/orchestrator/internal/db"
	"github.com/relay-ai/orchestrator/internal/events"
	"github.com/relay-ai/orchestrator/internal/executor"
	"github.com/relay-ai/orchestrator/internal/health"
	"github.com/relay-ai/orchestrator/internal/httpapi"
	"github.com/relay-ai/orchestrator/internal/service"
	"github.com/relay-ai/orchestrator/internal/session"
	"github.com/relay-ai/orchestrator/internal/streaming"
	"github.com/relay-ai/orchestrator/internal/tools"
	"github.com/relay-ai/orchestrator/internal/workflowctx"
)

func main() {
	ctx := context.Background()

	cfg := config.LoadFromEnv()
	if features, err := config.LoadFeatures(); err == nil {
		config.ApplyFeatures(cfg, features)
	} else {
		log.Printf("features.yaml not loaded, using env config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting relay orchestrator",
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Service.Port),
		zap.Int("admin_port", cfg.Service.AdminPort),
	)

	circuitbreaker.StartMetricsCollection()

	// Health manager comes up first so probes answer during the rest of
	// the bootstrap.
	healthMgr := health.NewManager(logger)
	if err := healthMgr.Start(ctx); err != nil {
		logger.Fatal("Failed to start health manager", zap.Error(err))
	}

	// Persistence. A database outage degrades to in-memory operation:
	// workflows still run, nothing survives a restart.
	var store *db.Client
	store, err = db.NewClient(&db.Config{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	}, logger)
	if err != nil {
		logger.Warn("Database unavailable, running without persistence", zap.Error(err))
		store = nil
	} else {
		defer store.Close()
		if err := healthMgr.RegisterChecker(health.NewDatabaseHealthChecker(store.Wrapper(), logger)); err != nil {
			logger.Warn("Failed to register database health checker", zap.Error(err))
		}
	}

	// Session storage in Redis. Same degradation story: without it chat
	// loses conversation memory, single-shot workflows keep working.
	var sessions *session.Manager
	sessions, err = session.NewManager(cfg.Redis.Addr(), logger)
	if err != nil {
		logger.Warn("Redis unavailable, running without sessions", zap.Error(err))
		sessions = nil
	} else {
		if err := healthMgr.RegisterChecker(health.NewRedisHealthChecker(sessions.RedisWrapper(), logger)); err != nil {
			logger.Warn("Failed to register redis health checker", zap.Error(err))
		}
	}

	// Event pipeline: the shared queue feeds per-workflow listeners which
	// fan out through the streaming manager.
	queue := events.NewQueue(cfg.Events.QueueCapacity, logger)
	stream := streaming.NewManager(cfg.Streaming.RingCapacity)
	if cfg.Streaming.MirrorEnabled {
		mirrorClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		stream.SetMirror(streaming.NewMirror(mirrorClient, cfg.Streaming.MirrorMaxLen, cfg.Streaming.MirrorTTL, logger))
		defer mirrorClient.Close()
		logger.Info("Redis stream mirror enabled", zap.Int64("max_len", cfg.Streaming.MirrorMaxLen))
	}

	registry := workflowctx.NewCancelRegistry()
	exec := executor.New(queue, stream, store, registry, executor.Config{
		PollInterval: cfg.Events.PollInterval,
		GracePeriod:  cfg.Events.GracePeriod,
	}, logger)
	if cfg.Workflows.FollowUps {
		exec.SetFollowUpSuggester(executor.NewKeywordSuggester())
	}
	pool := executor.NewPool(cfg.Workflows.PoolSize)

	if err := healthMgr.RegisterChecker(health.NewEventQueueHealthChecker(queue, logger)); err != nil {
		logger.Warn("Failed to register event queue health checker", zap.Error(err))
	}
	if err := healthMgr.RegisterChecker(health.NewWorkflowPoolHealthChecker(pool, logger)); err != nil {
		logger.Warn("Failed to register workflow pool health checker", zap.Error(err))
	}

	// Tool roster and binder.
	roster, err := tools.LoadRoster()
	if err != nil {
		logger.Fatal("Failed to load tool roster", zap.Error(err))
	}
	fileDir := os.Getenv("FILE_STORE_DIR")
	if fileDir == "" {
		fileDir = "data/files"
	}
	fileStore, err := tools.NewLocalStore(fileDir)
	if err != nil {
		logger.Fatal("Failed to open file store", zap.Error(err))
	}
	binder, err := tools.NewBinder(roster, tools.Deps{
		Registry: registry,
		Store:    fileStore,
		Logger:   logger,
	}, nil, logger)
	if err != nil {
		logger.Fatal("Failed to build tool binder", zap.Error(err))
	}

	var limiter *service.UserLimiter
	if cfg.Workflows.StartsPerMinute > 0 {
		limiter = service.NewUserLimiter(cfg.Workflows.StartsPerMinute, cfg.Workflows.StartBurst)
	}

	orch := service.NewOrchestrator(exec, pool, registry, agentrt.NewSimulatedRuntime(), binder.Bind, binder.AgentNames(), limiter, logger)

	// Hot reload of the tool roster: edits to tools.yaml apply to new
	// workflows without a restart.
	configMgr := startConfigWatcher(ctx, binder, logger)
	if configMgr != nil {
		defer configMgr.Stop()
	}

	adminSrv := startAdminServer(healthMgr, cfg.Service.AdminPort, logger)

	mux := http.NewServeMux()
	httpapi.NewStreamingHandler(stream, cfg.Streaming.SubscriberBuffer, logger).RegisterRoutes(mux)
	httpapi.NewWorkflowsHandler(orch, sessions, store, logger).RegisterRoutes(mux)
	httpapi.NewTimelineHandler(store, logger).RegisterRoutes(mux)
	if sessions != nil {
		httpapi.NewSessionsHandler(sessions, logger).RegisterRoutes(mux)
	}

	var jwtManager *auth.JWTManager
	if !cfg.Auth.SkipAuth {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)
	} else {
		logger.Warn("Authentication disabled, all requests run as the dev user")
	}
	middleware := auth.NewMiddleware(jwtManager, cfg.Auth.SkipAuth)

	apiSrv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Service.Port),
		Handler:      middleware.HTTPMiddleware(mux),
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
	}
	go func() {
		logger.Info("API server listening", zap.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	orch.Shutdown(shutdownCtx)
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown incomplete", zap.Error(err))
	}
	if err := healthMgr.Stop(); err != nil {
		logger.Warn("Health manager stop failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

// buildLogger creates a production zap logger at the configured level.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// startAdminServer serves health probes and Prometheus metrics on the
// admin port.
func startAdminServer(healthMgr *health.Manager, port int, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	health.NewHTTPHandler(healthMgr, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Admin server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return srv
}

// startConfigWatcher watches the config directory and swaps the tool
// roster into the binder when tools.yaml changes. A missing config dir
// is not fatal; the watcher is simply disabled.
func startConfigWatcher(ctx context.Context, binder *tools.Binder, logger *zap.Logger) *config.ConfigManager {
	dir := os.Getenv("CONFIG_DIR")
	if dir == "" {
		dir = "config"
	}
	mgr, err := config.NewConfigManager(dir, logger)
	if err != nil {
		logger.Warn("Config watcher disabled", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	mgr.RegisterHandler("tools.yaml", func(event config.ChangeEvent) error {
		roster, err := tools.ReloadRoster()
		if err != nil {
			return err
		}
		if err := binder.SetRoster(roster); err != nil {
			return err
		}
		logger.Info("Tool roster reloaded", zap.String("file", event.File), zap.String("action", event.Action))
		return nil
	})
	if err := mgr.Start(ctx); err != nil {
		logger.Warn("Config watcher failed to start", zap.Error(err))
		return nil
	}
	return mgr
}
