package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/kafka"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	metrics := jobmetrics.NewMetrics(nil)

	l, err := app.BuildLedger(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("build ledger", slog.Any("error", err))
		os.Exit(1)
	}
	defer l.Close()

	integrityJob := jobs.NewLedgerIntegrityJob(l.Service, logger, metrics)
	depreciationJob := jobs.NewDepreciationRefreshJob(l.Service, logger, metrics)

	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
		{Type: jobs.TaskDepreciationRefresh, Handler: depreciationJob.Handle},
	}
	cron := []jobs.CronRegistration{
		{Spec: "0 2 * * *", Task: jobs.NewLedgerIntegrityTask()},
	}

	depreciationTask, err := jobs.NewDepreciationRefreshTask(time.Time{})
	if err != nil {
		logger.Error("build depreciation task", slog.Any("error", err))
		os.Exit(1)
	}
	cron = append(cron, jobs.CronRegistration{Spec: "30 1 * * *", Task: depreciationTask, Options: []asynq.Option{asynq.MaxRetry(3)}})

	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers)
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka producer close", slog.Any("error", err))
			}
		}()
		relayJob := jobs.NewOutboxRelayJob(l.Repo, producer, logger, metrics)
		relayTask, err := jobs.NewOutboxRelayTask(cfg.OutboxBatchSize)
		if err != nil {
			logger.Error("build outbox relay task", slog.Any("error", err))
			os.Exit(1)
		}
		handlers = append(handlers, jobs.TaskHandler{Type: jobs.TaskOutboxRelay, Handler: relayJob.Handle})
		cron = append(cron, jobs.CronRegistration{Spec: "@every 1m", Task: relayTask})
	} else {
		logger.Warn("KAFKA_BROKERS not set; outbox relay disabled")
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:       cfg.AsynqRedis(),
		Concurrency:     cfg.WorkerConcurrency,
		ShutdownTimeout: cfg.AppShutdownTimeout,
		Logger:          logger,
		Handlers:        handlers,
		Cron:            cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
