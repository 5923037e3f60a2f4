package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/notify-pipeline/internal/config"
	"github.com/kursadbilgin/notify-pipeline/internal/handler"
	"github.com/kursadbilgin/notify-pipeline/internal/infra/postgresql"
	"github.com/kursadbilgin/notify-pipeline/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/notify-pipeline/internal/infra/redis"
	"github.com/kursadbilgin/notify-pipeline/internal/observability"
	"github.com/kursadbilgin/notify-pipeline/internal/queue"
	"github.com/kursadbilgin/notify-pipeline/internal/secret"
	"github.com/kursadbilgin/notify-pipeline/internal/service"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
	"github.com/kursadbilgin/notify-pipeline/internal/transport"
	"github.com/kursadbilgin/notify-pipeline/internal/webhook"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "api")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.Pool{})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}
	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL, "notify-api")
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rmq.Close()

	key, err := cfg.EncryptionKey()
	if err != nil {
		logger.Fatal("payload key invalid", zap.Error(err))
	}
	box, err := secret.NewBox(key)
	if err != nil {
		logger.Fatal("payload box initialization failed", zap.Error(err))
	}
	publisher := queue.NewRabbitMQPublisher(rmq)
	defer publisher.Close()

	client, err := task.NewClient(publisher, box)
	if err != nil {
		logger.Fatal("task client initialization failed", zap.Error(err))
	}

	tasks := service.NewTasks(service.RetryPolicyFromConfig(cfg))

	snsHTTP, err := webhook.NewHTTPClient(resty.New())
	if err != nil {
		logger.Fatal("webhook http client initialization failed", zap.Error(err))
	}
	verifier, err := webhook.NewVerifier(
		cfg.TopicAllowList(),
		cfg.CertHostPattern(),
		snsHTTP,
		cfg.SNSCertCacheSize,
		cfg.CertCacheTTL(),
	)
	if err != nil {
		logger.Fatal("webhook verifier initialization failed", zap.Error(err))
	}

	receipts, err := handler.NewReceiptHandler(verifier, snsHTTP, client, tasks.ProcessSESResult, logger)
	if err != nil {
		logger.Fatal("receipt handler initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	app := fiber.New(fiber.Config{
		AppName:      "notify-api",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(transport.CorrelationID())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, map[string]handler.ReadinessCheck{
		"postgres": func(ctx context.Context) error { return postgresql.Ping(ctx, db) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	handler.RegisterMetricsRoute(app, metrics)
	handler.RegisterReceiptRoutes(app, receipts)

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("notify api started", zap.Int("port", cfg.APIPort))
	if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
		logger.Fatal("api server stopped", zap.Error(err))
	}
	logger.Info("notify api stopped")
}
