package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/gradesync/gradesync/internal/app"
	"github.com/gradesync/gradesync/internal/extsource"
	jobmetrics "github.com/gradesync/gradesync/internal/jobs"
	"github.com/gradesync/gradesync/internal/mapping"
	"github.com/gradesync/gradesync/internal/platform/db"
	"github.com/gradesync/gradesync/internal/roster"
	"github.com/gradesync/gradesync/internal/staging"
	gradesync "github.com/gradesync/gradesync/internal/sync"
	"github.com/gradesync/gradesync/jobs"
)

// sourceConnector adapts the extsource service to the sync worker's
// connector contract.
type sourceConnector struct {
	svc *extsource.Service
}

func (c sourceConnector) Connect(ctx context.Context) (gradesync.Source, error) {
	return c.svc.Connect(ctx)
}

func (c sourceConnector) CourseField() string {
	return c.svc.CourseField()
}

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

	// A misconfigured external source makes every sync attempt fail; stop
	// here so the operator sees it immediately.
	settings := cfg.SourceSettings()
	if err := settings.Validate(); err != nil {
		logger.Error("external sync settings incomplete", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	rosterRepo := roster.NewRepository(pool)
	mappingRepo := mapping.NewRepository(pool)
	mappingService := mapping.NewService(mappingRepo, logger)
	stagingRepo := staging.NewRepository(pool)
	sourceService := extsource.NewService(settings, nil, logger)

	syncWorker := &gradesync.Worker{
		Mappings:         mappingRepo,
		Staging:          stagingRepo,
		Directory:        rosterRepo,
		Gradebook:        rosterRepo,
		Source:           sourceConnector{svc: sourceService},
		Logger:           logger,
		FetchConcurrency: cfg.SyncFetchConcurrency,
	}

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	scheduleJob := jobs.NewSyncScheduleJob(mappingService, rosterRepo, queueClient, logger, metrics)
	courseJob := jobs.NewCourseSyncJob(syncWorker, logger, metrics)

	scheduleTask, err := jobs.NewSyncScheduleTask()
	if err != nil {
		logger.Error("build schedule task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSyncSchedule, Handler: scheduleJob.Handle},
			{Type: jobs.TaskCourseSync, Handler: courseJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SyncCron, Task: scheduleTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
