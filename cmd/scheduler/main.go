package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/shelfcast/publisher/internal/api"
	"github.com/shelfcast/publisher/internal/config"
	"github.com/shelfcast/publisher/internal/pkg/httpretry"
	"github.com/shelfcast/publisher/internal/pkg/logger"
	"github.com/shelfcast/publisher/internal/publisher"
	"github.com/shelfcast/publisher/internal/repository/postgres"
	"github.com/shelfcast/publisher/internal/service/publishing"
	"github.com/shelfcast/publisher/internal/storage"
	"github.com/shelfcast/publisher/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error("[Main] fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.RedactPII)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Info("[Main] connected to database")

	// Redis is optional; without it the run lock uses advisory locks
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("[Main] redis unreachable, falling back to advisory locks", "error", err)
			redisClient.Close()
			redisClient = nil
		}
	}

	// Temp media store
	var objects publishing.ObjectStore
	if cfg.Media.S3Bucket != "" {
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.Media.S3Bucket,
			Region:          cfg.Media.S3Region,
			Profile:         cfg.Media.AWSProfile,
			AccessKeyID:     cfg.Media.AccessKeyID,
			SecretAccessKey: cfg.Media.SecretAccessKey,
			CDNDomain:       cfg.Media.CDNDomain,
		})
		if err != nil {
			return fmt.Errorf("init media store: %w", err)
		}
		objects = s3Store
	} else {
		logger.Warn("[Main] no media bucket configured, file-locker media will fail to resolve")
	}

	// Publisher adapters
	registry := publishing.NewRegistry()
	if len(cfg.Gateway.Platforms) > 0 {
		if cfg.Gateway.BaseURL == "" {
			return publisher.ErrNoGateway
		}
		registered := publisher.Register(registry, cfg.Gateway.BaseURL, cfg.Gateway.Platforms,
			&http.Client{Timeout: cfg.Dispatch.CallTimeout()})
		logger.Info("[Main] publisher adapters registered", "platforms", fmt.Sprint(registered))
	}

	items := postgres.NewItemRepo(db)
	accounts := postgres.NewAccountRepo(db)

	fetchClient := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Media.FetchTimeout()}, cfg.Media.FetchRetries)
	media := publishing.NewMediaResolver(fetchClient, objects, publishing.MediaConfig{
		TempPrefix:   cfg.Media.TempPrefix,
		LockerHosts:  cfg.Media.LockerHosts,
		FetchTimeout: cfg.Media.FetchTimeout(),
		MaxBytes:     cfg.Media.MaxBytes,
	})
	composer := publishing.NewComposer(cfg.Templates.Sales, cfg.Templates.PerPlatform)
	dispatcher := publishing.NewDispatcher(registry, accounts, composer, publishing.DispatcherConfig{
		CallTimeout: cfg.Dispatch.CallTimeout(),
		RPS:         cfg.Dispatch.RPSFor,
	})
	service := publishing.NewService(items, media, dispatcher, publishing.RetryPolicy{
		RateLimitBackoff:    cfg.Retry.RateLimitBackoff(),
		MaxRateLimitRetries: cfg.Retry.MaxRateLimitRetries,
	}, cfg.Scheduler.ItemTimeout())

	scheduler := worker.NewPublicationScheduler(
		publishing.NewClaimManager(items, cfg.Scheduler.BatchSize),
		service,
		worker.SchedulerConfig{
			MaxParallelItems: cfg.Scheduler.MaxParallelItems,
			RunLock:          cfg.Scheduler.RunLock,
			RunLockTTL:       cfg.Scheduler.RunLockTTL(),
			Cron:             cfg.Scheduler.Cron,
		},
	)
	scheduler.SetLockBackends(redisClient, db)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	reconciler := worker.NewStalePublishingWorkerWithConfig(items, cfg.Reconciler.Interval(), cfg.Reconciler.StaleAfter())
	if cfg.Reconciler.Enabled {
		reconciler.Start(ctx)
		defer reconciler.Stop()
	}

	handlers := api.NewHandlers(scheduler, service, reconciler, cfg.Scheduler.TriggerSecret)
	server := api.NewServer(handlers, api.NewHealthChecker(db, redisClient), cfg.CORS.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("[Main] listening", "addr", addr)
		if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("[Main] shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// In-flight runs finish their items before the server goes away.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[Main] http shutdown", "error", err)
	}
	return nil
}
