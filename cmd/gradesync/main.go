package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gradesync/gradesync/internal/app"
	"github.com/gradesync/gradesync/internal/extsource"
	"github.com/gradesync/gradesync/internal/mapping"
	"github.com/gradesync/gradesync/internal/platform/cache"
	"github.com/gradesync/gradesync/internal/platform/db"
	"github.com/gradesync/gradesync/internal/roster"
	"github.com/gradesync/gradesync/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The mapping page still works without Redis; it just loses the
	// assessment cache.
	var assessmentCache *extsource.Cache
	if redisClient, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis unavailable, assessment cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		assessmentCache = extsource.NewCache(redisClient, cfg.AssessmentCacheTTL)
	}

	sourceService := extsource.NewService(cfg.SourceSettings(), assessmentCache, logger)
	if err := cfg.SourceSettings().Validate(); err != nil {
		// The API still serves mapping CRUD; the map page refuses per
		// request until the operator completes the settings.
		logger.Warn("external sync settings incomplete", slog.Any("error", err))
	}

	rosterRepo := roster.NewRepository(pool)
	mappingRepo := mapping.NewRepository(pool)
	mappingService := mapping.NewService(mappingRepo, logger)
	mappingHandler := mapping.NewHandler(logger, mappingService, sourceService, rosterRepo)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		MappingHandler: mappingHandler,
		JobHandler:     jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
