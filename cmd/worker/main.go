// Package main provides the analytics worker entry point for the wallet analytics engine.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wallet-insights/internal/adapter"
	"github.com/wallet-insights/internal/config"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/privacy"
	"github.com/wallet-insights/internal/ratelimit"
	"github.com/wallet-insights/internal/service"
	"github.com/wallet-insights/internal/storage"
	"github.com/wallet-insights/internal/worker"
)

func main() {
	fmt.Println("Wallet Insights Analytics Worker")
	log.Println("Worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "worker")

	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	walletRepo := storage.NewWalletRepository(postgres)
	activityRepo := storage.NewActivityRepository(postgres)
	stageRepo := storage.NewStageRepository(postgres)
	cohortRepo := storage.NewCohortRepository(postgres)
	scoreRepo := storage.NewScoreRepository(postgres)
	privacyRepo := storage.NewPrivacyRepository(postgres)
	counterpartyRepo := storage.NewCounterpartyRepository(postgres)
	txRepo := storage.NewTransactionRepository(clickhouse)

	cacheService := storage.NewCacheService(redis, cfg.Cache.DashboardTTL)
	walletLock := storage.NewRedisWalletLock(redis, 30*time.Second, 5*time.Second)

	privacyService := privacy.NewService(privacyRepo, walletRepo, cacheService)
	classifier := service.NewTransactionClassifier(adapter.NewCounterpartyResolver(counterpartyRepo, nil))
	aggregator := service.NewActivityAggregator(activityRepo, walletLock)
	adoption := service.NewAdoptionStageEngine(stageRepo, walletRepo, activityRepo, walletLock)
	cohorts := service.NewCohortAssigner(cohortRepo, walletRepo, cfg.Worker.BatchSize)
	scorer := service.NewProductivityScorer(cfg.Analytics, scoreRepo, walletRepo, stageRepo, activityRepo)
	conversion := service.NewConversionAnalysisService(cfg.Analytics, walletRepo, privacyService, adoption)
	indexer := adapter.NewIndexerClient(&cfg.Upstream)
	pacer, err := ratelimit.NewIndexerPacer(&cfg.Upstream, redis.Client())
	if err != nil {
		logger.WithError(err).Fatal("Invalid indexer budget")
	}
	if pacer != nil {
		indexer.WithPacer(pacer)
	}
	ingestion := service.NewIngestionService(indexer, txRepo, walletRepo,
		classifier, aggregator, adoption, cohorts, scorer, cfg.Upstream, cfg.Worker.Concurrency)

	analyticsWorker, err := worker.NewAnalyticsWorker(&worker.AnalyticsWorkerConfig{
		Projects: walletRepo,
		Syncer:   ingestion,
		Cohorts:  cohorts,
		Reports:  conversion,
		Cache:    cacheService,
		Interval: cfg.Worker.Interval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create analytics worker")
	}

	ctx := context.Background()
	if err := analyticsWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start analytics worker")
	}

	logger.WithFields(map[string]interface{}{
		"interval":    cfg.Worker.Interval.String(),
		"concurrency": cfg.Worker.Concurrency,
	}).Info("Analytics worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")

	// Stop waits for an in-flight cycle to complete.
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := analyticsWorker.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Worker did not stop cleanly")
	}

	status := analyticsWorker.Status()
	logger.WithFields(map[string]interface{}{
		"tracked_projects": status.TrackedProjects,
		"last_cycle_error": status.LastCycleErr,
	}).Info("Worker exited")
}
