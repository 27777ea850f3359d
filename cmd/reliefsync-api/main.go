package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reliefsync/internal/api"
	"reliefsync/internal/auth"
	"reliefsync/internal/config"
	"reliefsync/internal/db"
	"reliefsync/internal/jobs"
	"reliefsync/internal/live"
	"reliefsync/internal/metrics"
	"reliefsync/internal/pubsub"
	"reliefsync/internal/schema"
	"reliefsync/internal/service"
	"reliefsync/internal/storage"
	"reliefsync/internal/ws"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadAPI()

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "migrate":
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		os.Exit(0)
	case "serve":
	default:
		log.Fatalf("Unknown command: %s (use 'serve' or 'migrate')", cmd)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	bus := pubsub.New(rdb, logger)
	tokens := auth.NewJWTConfig(cfg.JWTSecret, cfg.TokenTTL)
	svc := service.New(pool, schema.NewDefaultCompiler(), bus, tokens, cfg.StaffEmails, logger)

	// Live queries are refreshed from local and remote change events alike
	registry := live.NewRegistry(svc.Documents, logger)
	hub := ws.NewHub(registry, service.ScopeQuery, logger)
	hub.SetReplayer(bus.GetStreams())
	m := metrics.New(registry.Count, hub.Count)
	bus.AddListener(func(e pubsub.Event) {
		registry.Changed(e.Collection)
		hub.HandleEvent(e)
		m.DocumentWrites.WithLabelValues(e.Collection, e.Type).Inc()
	})
	go registry.Run(ctx)
	go func() {
		if err := bus.Listen(ctx); err != nil {
			logger.Error("Event relay stopped", zap.Error(err))
		}
	}()

	jobServer, jobClient := jobs.NewJobServer(cfg.RedisAddr, svc, logger)
	go func() {
		if err := jobServer.Start(); err != nil {
			logger.Fatal("Job server failed", zap.Error(err))
		}
	}()
	defer jobServer.Stop()
	svc.SetJobClient(service.NewAsynqJobClient(jobClient), cfg.AidRetention, cfg.EscalationDelay)

	store, err := newStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize media storage", zap.Error(err))
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewRouter(api.Dependencies{
			Services: svc,
			Tokens:   tokens,
			Hub:      hub,
			Changes:  bus.GetStreams(),
			Storage:  store,
			Presets:  storage.DefaultPresets(),
			Metrics:  m,
			Log:      logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting server",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.StorageBackend),
		zap.Int("staff_emails", len(cfg.StaffEmails)),
	)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newStorage(ctx context.Context, cfg config.API, logger *zap.Logger) (storage.Storage, error) {
	if cfg.StorageBackend == "s3" {
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		}, logger)
	}
	return storage.NewLocalStorage(cfg.StorageDir, cfg.PublicURL)
}
