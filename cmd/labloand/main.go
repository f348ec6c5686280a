package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lab-lending-backend/config"
	"lab-lending-backend/internal/api"
	"lab-lending-backend/internal/db"
	"lab-lending-backend/internal/engine"
	"lab-lending-backend/internal/lock"
	"lab-lending-backend/internal/notification"
	"lab-lending-backend/internal/reminder"
	"lab-lending-backend/internal/report"
	"lab-lending-backend/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.String("path", configPath), zap.Error(err))
	}
	logger.Info("Configuration loaded", zap.String("path", configPath))

	// Initialize database
	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Catalog.SeedPath != "" {
		seed, err := db.LoadSeed(cfg.Catalog.SeedPath)
		if err != nil {
			logger.Fatal("Failed to load catalog seed", zap.String("path", cfg.Catalog.SeedPath), zap.Error(err))
		}
		if err := db.ApplySeed(ctx, gormDB, seed, logger); err != nil {
			logger.Fatal("Failed to apply catalog seed", zap.Error(err))
		}
	}

	appStore := store.NewGormStore(gormDB)

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer client.Close()
		locker = lock.NewRedis(client, cfg.Redis.LockTTL, logger)
		logger.Info("Using redis equipment-type locks", zap.String("addr", cfg.Redis.Addr))
	}

	var webpushOptions *webpush.Options
	opts := engine.Options{
		MaxBindRetries: cfg.Allocation.MaxBindRetries,
		Logger:         logger,
	}
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, gormDB, webpushOptions, logger)
		pool.Start(ctx)
		opts.Notifier = pool
		logger.Info("Push notifications enabled", zap.Int("workers", cfg.WorkerPool.Size))

		// Run the overdue reminder sweep in the background
		reminders := reminder.NewService(cfg.Reminder, appStore, pool, logger)
		go reminders.Run(ctx)
	} else {
		logger.Warn("VAPID keys not configured; push notifications disabled")
	}

	eng := engine.New(appStore, locker, opts)

	// Initialize router
	router := api.NewRouter(api.Deps{
		Engine:  eng,
		Reports: report.New(appStore),
		Store:   appStore,
		WebPush: webpushOptions,
		Server:  cfg.Server,
		Logger:  logger,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start the server in a goroutine
	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server ListenAndServe", zap.Error(err))
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("Shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server Shutdown", zap.Error(err))
	}
	cancel()

	logger.Info("Server gracefully stopped")
}
