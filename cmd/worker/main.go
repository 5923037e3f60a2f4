package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/go-resty/resty/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/notify-pipeline/internal/config"
	"github.com/kursadbilgin/notify-pipeline/internal/domain"
	"github.com/kursadbilgin/notify-pipeline/internal/handler"
	infraaws "github.com/kursadbilgin/notify-pipeline/internal/infra/aws"
	"github.com/kursadbilgin/notify-pipeline/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/notify-pipeline/internal/infra/redis"
	infras3 "github.com/kursadbilgin/notify-pipeline/internal/infra/s3"
	"github.com/kursadbilgin/notify-pipeline/internal/observability"
	"github.com/kursadbilgin/notify-pipeline/internal/queue"
	"github.com/kursadbilgin/notify-pipeline/internal/recipients"
	"github.com/kursadbilgin/notify-pipeline/internal/repository"
	"github.com/kursadbilgin/notify-pipeline/internal/secret"
	"github.com/kursadbilgin/notify-pipeline/internal/service"
	"github.com/kursadbilgin/notify-pipeline/internal/task"
	"github.com/kursadbilgin/notify-pipeline/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type scanner struct {
	name     string
	scan     service.ScanFunc
	interval time.Duration
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "worker")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker stopped with error", zap.Error(err))
	}
	logger.Info("notify worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.Pool{
		MaxOpenConns: cfg.WorkerConcurrency * 4,
		MaxIdleConns: cfg.WorkerConcurrency,
	})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL, "notify-worker")
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rmq.Close()

	key, err := cfg.EncryptionKey()
	if err != nil {
		return err
	}
	box, err := secret.NewBox(key)
	if err != nil {
		return fmt.Errorf("payload box initialization failed: %w", err)
	}

	publisher := queue.NewRabbitMQPublisher(rmq)
	defer publisher.Close()
	consumer := queue.NewRabbitMQConsumer(rmq, cfg.WorkerPrefetch, logger)
	defer consumer.Close()

	client, err := task.NewClient(publisher, box)
	if err != nil {
		return fmt.Errorf("task client initialization failed: %w", err)
	}

	awsCfg, err := infraaws.LoadConfig(ctx, cfg)
	if err != nil {
		return err
	}

	notifications := repository.NewGormNotificationRepo(db, domain.NewTransitionPolicy(cfg.NoReceiptPrefixes()), logger)
	jobs := repository.NewGormJobRepo(db)
	services := repository.NewGormServiceRepo(db)
	complaints := repository.NewGormComplaintRepo(db)
	inbound := repository.NewGormInboundSMSRepo(db)

	lookups, err := service.NewLookups(services, cfg.CacheSize, cfg.CacheTTL())
	if err != nil {
		return fmt.Errorf("lookup cache initialization failed: %w", err)
	}
	normaliser, err := recipients.NewNormaliser(cfg.DefaultPhoneRegion)
	if err != nil {
		return fmt.Errorf("recipient normaliser initialization failed: %w", err)
	}
	usage, err := infraredis.NewUsageCounter(rdb, cfg.UsageWindow())
	if err != nil {
		return fmt.Errorf("usage counter initialization failed: %w", err)
	}
	lists, err := infras3.NewRecipientListStore(infras3.NewClient(awsCfg), cfg.CSVUploadBucket)
	if err != nil {
		return fmt.Errorf("recipient list store initialization failed: %w", err)
	}

	providers, err := buildProviders(cfg, awsCfg, rdb, metrics)
	if err != nil {
		return err
	}

	tasks := service.NewTasks(service.RetryPolicyFromConfig(cfg))
	alerter := observability.NewLogAlerter(logger, metrics)

	dispatcher, err := service.NewDispatcher(notifications, services, lookups, normaliser, providers, usage, client, alerter, tasks, logger)
	if err != nil {
		return fmt.Errorf("dispatcher initialization failed: %w", err)
	}
	dispatcher.SetMetrics(metrics)

	ingestor, err := service.NewJobIngestor(jobs, notifications, lookups, lists, usage, client, tasks, service.JobIngestorConfig{
		ClaimLimit:  cfg.ScanBatchSize,
		StallWindow: cfg.JobStallWindow(),
		AuditMinAge: cfg.AuditMinAge(),
		AuditWindow: cfg.AuditLookback(),
	}, logger)
	if err != nil {
		return fmt.Errorf("job ingestor initialization failed: %w", err)
	}

	reconciler, err := service.NewReconciler(notifications, complaints, services, client, tasks, cfg.ReceiptGraceWindow(), logger)
	if err != nil {
		return fmt.Errorf("reconciler initialization failed: %w", err)
	}
	reconciler.SetMetrics(metrics)

	relay, err := service.NewCallbackRelay(resty.New(), inbound, services, tasks, cfg.CallbackTimeout(), cfg.InboundTimeout(), logger)
	if err != nil {
		return fmt.Errorf("callback relay initialization failed: %w", err)
	}
	relay.SetMetrics(metrics)

	maintenance, err := service.NewMaintenance(notifications, reconciler, service.MaintenanceConfig{
		PendingTimeout: cfg.PendingTimeout(),
		Retention:      cfg.Retention(),
		SweepLimit:     cfg.ScanBatchSize,
		ArchiveBatch:   cfg.ArchiveBatchSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("maintenance initialization failed: %w", err)
	}

	registry, err := service.NewTaskRegistry(dispatcher, ingestor, reconciler, relay)
	if err != nil {
		return fmt.Errorf("task registration failed: %w", err)
	}

	server, err := task.NewServer(registry, consumer, client, registry.Queues(), cfg.WorkerConcurrency, logger)
	if err != nil {
		return fmt.Errorf("task server initialization failed: %w", err)
	}
	server.SetMetrics(metrics)

	scans := []scanner{
		{"job-scheduler", ingestor.ScheduleDue, cfg.JobScanInterval()},
		{"stalled-jobs", ingestor.ResumeStalled, cfg.JobStallScanInterval()},
		{"completeness-audit", ingestor.AuditCompleteness, cfg.AuditScanInterval()},
		{"pending-sweep", maintenance.SweepPending, cfg.PendingSweepInterval()},
		{"archiver", maintenance.Archive, cfg.ArchiveInterval()},
	}

	if cfg.ReceiptPollEnabled {
		poller, err := service.NewReceiptPoller(cloudwatchlogs.NewFromConfig(awsCfg), notifications, reconciler, client, tasks, service.ReceiptPollerConfig{
			SuccessLogGroup: cfg.SMSSuccessLogGroup,
			FailureLogGroup: cfg.SMSFailureLogGroup,
			Window:          cfg.ReceiptPollWindow(),
			Overlap:         cfg.ReceiptPollOverlap(),
			BatchSize:       cfg.ReceiptPollBatch,
		}, logger)
		if err != nil {
			return fmt.Errorf("receipt poller initialization failed: %w", err)
		}
		scans = append(scans, scanner{"receipt-poller", poller.Poll, cfg.ReceiptPollInterval()})
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(groupCtx) })

	for _, s := range scans {
		periodic, err := service.NewPeriodic(s.name, s.scan, s.interval, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return periodic.Start(groupCtx) })
	}

	app := fiber.New(fiber.Config{
		AppName:               "notify-worker",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	handler.RegisterHealthRoutes(app, map[string]handler.ReadinessCheck{
		"postgres": func(ctx context.Context) error { return postgresql.Ping(ctx, db) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	handler.RegisterMetricsRoute(app, metrics)

	g.Go(func() error { return app.Listen(fmt.Sprintf(":%d", cfg.WorkerMetricsPort)) })
	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("notify worker started",
		zap.Strings("queues", registry.Queues()),
		zap.Strings("tasks", registry.Names()),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("scanners", len(scans)),
	)
	return g.Wait()
}
