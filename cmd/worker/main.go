package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"academy-job-core/internal/config"
	"academy-job-core/internal/inference"
	"academy-job-core/internal/jobs"
	"academy-job-core/internal/media"
	"academy-job-core/internal/models"
	"academy-job-core/internal/policy"
	"academy-job-core/internal/queue"
	"academy-job-core/internal/store"
	"academy-job-core/internal/telemetry"
	"academy-job-core/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Env)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		logger.Info("shutdown signal received, draining")
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	transports, err := buildTransports(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("queue transport", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	flags := policy.NewRedisFlagSource(redisClient, cfg.FlagRefreshInterval, logger)

	engine := policy.NewEngine(st, flags, logger)
	svc := jobs.New(st, transports, engine, jobs.Options{
		Visibility:  cfg.VisibilityTimeout,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		MaxAttempts: cfg.MaxAttempts,
	}, logger)

	workerID := workerIdentity(cfg)

	dispatcher, err := buildDispatcher(ctx, cfg, svc, workerID, logger)
	if err != nil {
		logger.Fatal("init dispatcher", zap.Error(err))
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	runtime := worker.New(svc, dispatcher, worker.Options{
		WorkerID:          workerID,
		Pool:              cfg.WorkerPool,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleStopPolls:     cfg.IdleStopPolls,
		MaxConsecErrors:   cfg.MaxConsecErrors,
	}, logger)

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.String("pool", cfg.WorkerPool),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.Duration("visibility", cfg.VisibilityTimeout),
	)

	err = runtime.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("worker stopped")
	case errors.Is(err, worker.ErrIdleStop):
		logger.Info("worker idle, stopping for scale-in")
	case errors.Is(err, worker.ErrTooManyErrors):
		logger.Error("worker exhausted error budget", zap.Error(err))
		os.Exit(1)
	default:
		logger.Error("worker failed", zap.Error(err))
		os.Exit(1)
	}
}

func buildLogger(envName string) *zap.Logger {
	if envName == "dev" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

func workerIdentity(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

// buildTransports wires the per-pool message brokers. The postgres backend
// needs none: claims go straight against the jobs table.
func buildTransports(ctx context.Context, cfg config.Config, logger *zap.Logger) (map[string]queue.Broker, error) {
	if cfg.QueueBackend != "sqs" {
		return nil, nil
	}
	transports := map[string]queue.Broker{}
	for _, pool := range []string{models.PoolAI, models.PoolMedia} {
		url := cfg.SQSQueueURL(pool)
		if url == "" {
			continue
		}
		broker, err := queue.NewSQSBroker(ctx, queue.SQSOptions{
			QueueURL: url,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.AWSEndpoint,
			WaitTime: cfg.SQSWaitTime,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", pool, err)
		}
		transports[pool] = broker
	}
	return transports, nil
}

// buildDispatcher attaches the executors this worker's pool needs. Media
// workers carry the transcode pipeline; AI workers carry the inference
// client. Both are attached when the pool is ambiguous so a mixed queue
// still dispatches.
func buildDispatcher(ctx context.Context, cfg config.Config, svc *jobs.Service, workerID string, logger *zap.Logger) (*worker.Dispatcher, error) {
	var mediaRunner worker.MediaRunner
	if cfg.WorkerPool == models.PoolMedia || cfg.S3Bucket != "" {
		storage, err := media.NewStorage(ctx, media.StorageConfig{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			PathStyle:     cfg.S3PathStyle,
			UploadRetries: cfg.UploadRetries,
		}, logger)
		if err != nil {
			return nil, err
		}
		ffmpeg := media.NewFFmpeg(media.FFmpegConfig{
			FFmpegPath:       cfg.FFmpegPath,
			FFprobePath:      cfg.FFprobePath,
			ProbeTimeout:     cfg.ProbeTimeout,
			TranscodeTimeout: cfg.TranscodeTimeout,
			ThumbnailTimeout: cfg.ThumbnailTimeout,
		}, logger)
		mediaRunner = media.NewPipeline(storage, ffmpeg, cfg.MediaWorkDir, cfg.MinSegmentCount, logger)
	}

	inferencer := inference.New(cfg.InferenceURL, cfg.InferenceTimeout, logger)
	return worker.NewDispatcher(mediaRunner, inferencer, svc, workerID, logger), nil
}
