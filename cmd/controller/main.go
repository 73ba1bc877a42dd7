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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"academy-job-core/internal/api"
	"academy-job-core/internal/autoscale"
	"academy-job-core/internal/config"
	"academy-job-core/internal/jobs"
	"academy-job-core/internal/models"
	"academy-job-core/internal/policy"
	"academy-job-core/internal/queue"
	"academy-job-core/internal/store"
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
		logger.Info("shutdown signal received")
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

	transports := map[string]queue.Broker{}
	readers := map[string]autoscale.DepthReader{}
	for _, pool := range []string{models.PoolAI, models.PoolMedia} {
		if cfg.QueueBackend == "sqs" && cfg.SQSQueueURL(pool) != "" {
			broker, err := queue.NewSQSBroker(ctx, queue.SQSOptions{
				QueueURL: cfg.SQSQueueURL(pool),
				Region:   cfg.AWSRegion,
				Endpoint: cfg.AWSEndpoint,
				WaitTime: cfg.SQSWaitTime,
			}, logger)
			if err != nil {
				logger.Fatal("queue transport", zap.String("pool", pool), zap.Error(err))
			}
			transports[pool] = broker
			readers[pool] = broker
		} else {
			readers[pool] = autoscale.TableDepths{Store: st, Pool: pool}
		}
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

	monitor := autoscale.NewMonitor(readers, cfg.ScaleInterval, logger)
	go monitor.Run(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(svc, cfg.WorkerToken, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("controller started",
		zap.String("addr", server.Addr),
		zap.String("queue_backend", cfg.QueueBackend),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server", zap.Error(err))
	}
	logger.Info("controller stopped")
}

func buildLogger(envName string) *zap.Logger {
	if envName == "dev" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}
