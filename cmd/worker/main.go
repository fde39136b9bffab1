// Package main runs the dispatch worker: startup recovery, then the pool.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/outboxhq/outbox/config"
	"github.com/outboxhq/outbox/internal/emails"
	"github.com/outboxhq/outbox/internal/mailer"
	"github.com/outboxhq/outbox/internal/metrics"
	"github.com/outboxhq/outbox/internal/ratelimit"
	"github.com/outboxhq/outbox/internal/worker"
	"github.com/outboxhq/outbox/pkg/clock"
	"github.com/outboxhq/outbox/pkg/database"
	"github.com/outboxhq/outbox/pkg/queue"
	"github.com/outboxhq/outbox/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	clk := clock.Real{}
	jobRepo := emails.NewRepository(pool)
	jobQueue := queue.New(rdb.Client, clk, cfg.Scheduler.TransportBackoffBase, logger)
	limiter := ratelimit.New(rdb.Client, clk, cfg.Scheduler.MaxEmailsPerHourPerSender, cfg.Scheduler.GlobalMaxEmailsPerHour, logger)
	sender := mailer.New(cfg.SMTP)

	metrics.Init()
	metricsSrv := metrics.Serve(":"+cfg.Metrics.Port, logger)

	// Reconcile the store with the queue before consuming anything.
	requeued, err := worker.Recover(ctx, jobRepo, jobQueue, clk, cfg.Scheduler.TransportRetryAttempts, logger)
	if err != nil {
		logger.Fatal("recovery", zap.Error(err))
	}
	logger.Info("recovery requeued jobs", zap.Int("count", requeued))

	dispatchPool := worker.NewPool(jobRepo, jobQueue, limiter, sender, clk, worker.Options{
		Concurrency:           cfg.Scheduler.WorkerConcurrency,
		MinDelayBetweenEmails: cfg.Scheduler.MinDelayBetweenEmails,
		DispatchPerSecond:     cfg.Scheduler.QueueRateLimit,
		RetryLimit:            cfg.Scheduler.TransportRetryAttempts,
	}, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatchPool.Run(workerCtx)
		close(done)
	}()
	logger.Info("worker pool started", zap.Int("concurrency", cfg.Scheduler.WorkerConcurrency))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("workers did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
