package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"sandbox-broker/internal/audit"
	"sandbox-broker/internal/broker"
	"sandbox-broker/internal/config"
	"sandbox-broker/internal/logging"
	"sandbox-broker/internal/metrics"
	"sandbox-broker/internal/middleware"
	"sandbox-broker/internal/sandboxapi"
	"sandbox-broker/internal/session"
	"sandbox-broker/internal/statusstream"
	"sandbox-broker/internal/toolbundle"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			fmt.Fprintln(os.Stderr, "no .env file found, using environment variables")
		}
	}

	logging.Init()
	defer logging.Sync()
	log := logging.L()

	configPath := envOr("SANDBOX_CONFIG_FILE", "sandbox_config.json")
	environment := envOr("SANDBOX_ENVIRONMENT", "default")

	manager, err := config.LoadSandboxConfigManager(configPath)
	if err != nil {
		log.Fatal("failed to load sandbox configuration", zap.String("path", configPath), zap.Error(err))
	}
	cfg, err := manager.GetConfig(environment)
	if err != nil {
		log.Fatal("invalid sandbox configuration", zap.String("environment", environment), zap.Error(err))
	}

	ctx := context.Background()

	shell, err := broker.NewSSMShell(ctx, cfg)
	if err != nil {
		log.Fatal("failed to build SSM shell", zap.Error(err))
	}
	inspector, err := broker.NewInstanceInspector(ctx, cfg)
	if err != nil {
		log.Fatal("failed to build instance inspector", zap.Error(err))
	}

	env, err := broker.GetSandboxEnv(ctx, cfg, shell, inspector)
	if err != nil {
		log.Fatal("failed to initialize sandbox environment", zap.Error(err))
	}
	defer env.Close()

	registry := session.NewRegistry()
	factory := toolbundle.NewFactory(env, registry, envInt("MAX_TOOL_BUNDLES", 256))

	env.OnSweep(func() {
		if removed := registry.Purge(time.Duration(cfg.RetentionHours) * time.Hour); removed > 0 {
			log.Info("purged stale in-memory sessions", zap.Int("count", removed))
		}
	})

	if db, err := audit.Open(os.Getenv("DATABASE_URL")); err != nil {
		log.Warn("audit ledger unavailable, continuing without it", zap.Error(err))
	} else if store, err := audit.NewStore(db); err != nil {
		log.Warn("audit ledger migration failed, continuing without it", zap.Error(err))
	} else {
		env.SetAuditSink(store)
		factory.SetHistory(store)
	}

	if envOr("ENVIRONMENT", "") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.RequestLogger(),
		middleware.Recovery(),
		middleware.SecurityHeaders(),
		metrics.PrometheusMiddleware(),
		middleware.NewIPRateLimiter(envInt("RATE_LIMIT_PER_MINUTE", 600), 50).Middleware(),
	)

	sandboxapi.NewServer(factory, registry).Register(engine)

	hub := statusstream.NewHub(env, registry, 10*time.Second)
	hub.Run()
	defer hub.Stop()
	engine.GET("/v1/sessions/:sessionId/status/stream", hub.Handler())

	addr := ":" + envOr("PORT", "8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("sandbox broker listening",
			zap.String("addr", addr),
			zap.String("instance_id", cfg.InstanceID),
			zap.String("region", cfg.Region),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.L().Warn("invalid integer environment value, using default",
			zap.String("key", key), zap.String("value", v))
		return fallback
	}
	return n
}
