// Package main runs the OutBox scheduling API with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/outboxhq/outbox/config"
	"github.com/outboxhq/outbox/internal/emails"
	"github.com/outboxhq/outbox/internal/metrics"
	"github.com/outboxhq/outbox/internal/middleware"
	"github.com/outboxhq/outbox/internal/ratelimit"
	"github.com/outboxhq/outbox/internal/scheduler"
	"github.com/outboxhq/outbox/internal/users"
	"github.com/outboxhq/outbox/pkg/clock"
	"github.com/outboxhq/outbox/pkg/database"
	"github.com/outboxhq/outbox/pkg/queue"
	"github.com/outboxhq/outbox/pkg/redis"
	"github.com/outboxhq/outbox/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	clk := clock.Real{}
	jobRepo := emails.NewRepository(pool)
	userRepo := users.NewRepository(pool)
	jobQueue := queue.New(rdb.Client, clk, cfg.Scheduler.TransportBackoffBase, logger)
	limiter := ratelimit.New(rdb.Client, clk, cfg.Scheduler.MaxEmailsPerHourPerSender, cfg.Scheduler.GlobalMaxEmailsPerHour, logger)

	metrics.Init()
	metricsSrv := metrics.Serve(":"+cfg.Metrics.Port, logger)

	svc := scheduler.New(jobRepo, userRepo, jobQueue, clk, cfg.Scheduler.TransportRetryAttempts, logger)
	emailHandler := emails.NewHandler(svc, logger)
	rateHandler := ratelimit.NewHandler(limiter)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	api := router.Group("/api")
	{
		emailHandler.Register(api)
		api.GET("/rate-limits", rateHandler.Status)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
