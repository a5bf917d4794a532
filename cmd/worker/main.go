// Command worker runs transcode workers against the shared queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Geetur/NextTube/internal/config"
	"github.com/Geetur/NextTube/internal/objectstore"
	"github.com/Geetur/NextTube/internal/observability/logging"
	"github.com/Geetur/NextTube/internal/observability/metrics"
	"github.com/Geetur/NextTube/internal/queue"
	"github.com/Geetur/NextTube/internal/storage"
	"github.com/Geetur/NextTube/internal/transcode"
)

func main() {
	cfg, err := config.Load("worker", os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	repo, err := buildRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Warn("failed to close metadata store", "error", err)
		}
	}()

	store, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	workQueue, err := buildQueue(cfg, logger)
	if err != nil {
		return fmt.Errorf("open work queue: %w", err)
	}
	defer workQueue.Close()

	transcoder := transcode.NewFFmpeg(transcode.FFmpegConfig{
		Binary:         cfg.Worker.FFmpegBinary,
		EncodeTimeout:  cfg.Worker.EncodeTimeout,
		SegmentSeconds: cfg.Worker.SegmentSeconds,
		Logger:         logging.WithComponent(logger, "ffmpeg"),
	})

	worker, err := transcode.NewWorker(transcode.WorkerConfig{
		Repository:        repo,
		Store:             store,
		Queue:             workQueue,
		Transcoder:        transcoder,
		Ladder:            cfg.Ladder,
		Logger:            logger,
		Metrics:           metrics.Default(),
		EncodeConcurrency: cfg.Worker.EncodeConcurrency,
		WorkDir:           cfg.Worker.WorkDir,
		ReclaimInterval:   cfg.Worker.ReclaimInterval,
	})
	if err != nil {
		return err
	}

	logger.Info("worker starting",
		"loops", cfg.Worker.Count,
		"encodeConcurrency", cfg.Worker.EncodeConcurrency,
		"queueDriver", cfg.QueueDriver,
		"storageDriver", cfg.StorageDriver)

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Worker.Count; i++ {
		group.Go(func() error {
			return worker.Run(groupCtx)
		})
	}
	group.Go(func() error {
		return worker.RunReaper(groupCtx)
	})
	return group.Wait()
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
