// Command server starts the NextTube API HTTP service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Geetur/NextTube/internal/api"
	"github.com/Geetur/NextTube/internal/config"
	"github.com/Geetur/NextTube/internal/objectstore"
	"github.com/Geetur/NextTube/internal/observability/logging"
	"github.com/Geetur/NextTube/internal/observability/metrics"
	"github.com/Geetur/NextTube/internal/queue"
	"github.com/Geetur/NextTube/internal/server"
	"github.com/Geetur/NextTube/internal/storage"
	"github.com/Geetur/NextTube/internal/transcode"
)

func main() {
	cfg, err := config.Load("server", os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := buildRepository(ctx, cfg)
	if err != nil {
		logger.Error("failed to open metadata store", "error", err)
		os.Exit(1)
	}
	defer closeRepository(repo, logger)

	store, err := buildObjectStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open object store", "error", err)
		os.Exit(1)
	}

	workQueue, err := buildQueue(cfg, logger)
	if err != nil {
		logger.Error("failed to open work queue", "error", err)
		os.Exit(1)
	}
	defer workQueue.Close()

	producer := transcode.NewProducer(repo, workQueue, cfg.Ladder, logging.WithComponent(logger, "producer"))
	handler := api.NewHandler(repo, store, workQueue, producer, logging.WithComponent(logger, "api"))

	srv, err := server.New(handler, server.Config{
		Addr:    cfg.Addr,
		Logger:  logging.WithComponent(logger, "http"),
		Metrics: metrics.Default(),
	})
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}

func buildRepository(ctx context.Context, cfg config.Config) (storage.Repository, error) {
	if cfg.StorageDriver != "postgres" {
		return storage.NewMemoryRepository(), nil
	}
	repo, err := storage.NewPostgresRepository(ctx, cfg.Postgres.DSN,
		storage.WithPoolLimits(int32(cfg.Postgres.MaxConns), int32(cfg.Postgres.MinConns)),
		storage.WithPoolDurations(cfg.Postgres.MaxConnLifetime, cfg.Postgres.MaxConnIdle, cfg.Postgres.HealthInterval),
		storage.WithAcquireTimeout(cfg.Postgres.AcquireTimeout),
		storage.WithApplicationName(cfg.Postgres.AppName),
	)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func buildObjectStore(ctx context.Context, cfg config.Config) (objectstore.Gateway, error) {
	if cfg.ObjectStore.Driver != "minio" {
		return objectstore.NewMemoryGateway(), nil
	}
	return objectstore.NewMinioGateway(ctx, objectstore.MinioConfig{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
		Region:    cfg.ObjectStore.Region,
	})
}

func buildQueue(cfg config.Config, logger *slog.Logger) (queue.Queue, error) {
	if cfg.QueueDriver != "redis" {
		return queue.NewMemoryQueue(), nil
	}
	return queue.NewRedisQueue(queue.RedisQueueConfig{
		Addr:              cfg.Redis.Addr,
		Username:          cfg.Redis.Username,
		Password:          cfg.Redis.Password,
		QueueKey:          cfg.Redis.QueueKey,
		Logger:            logging.WithComponent(logger, "queue"),
		PollInterval:      cfg.Redis.PollInterval,
		VisibilityTimeout: cfg.Redis.VisibilityTimeout,
		TLS: queue.RedisTLSConfig{
			CAFile:     cfg.Redis.TLSCAFile,
			CertFile:   cfg.Redis.TLSCertFile,
			KeyFile:    cfg.Redis.TLSKeyFile,
			ServerName: cfg.Redis.TLSServerName,
		},
	})
}

func closeRepository(repo storage.Repository, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repo.Close(ctx); err != nil {
		logger.Warn("failed to close metadata store", "error", err)
	}
}
