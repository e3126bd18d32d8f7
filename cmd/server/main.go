// Package main provides the API server entry point for the wallet analytics engine.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wallet-insights/internal/adapter"
	"github.com/wallet-insights/internal/api"
	"github.com/wallet-insights/internal/config"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/privacy"
	"github.com/wallet-insights/internal/ratelimit"
	"github.com/wallet-insights/internal/service"
	"github.com/wallet-insights/internal/storage"
	"github.com/wallet-insights/internal/worker"
)

func main() {
	fmt.Println("Wallet Insights API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

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

	// Repositories
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

	// Services
	logger.Info("Initializing services...")

	privacyService := privacy.NewService(privacyRepo, walletRepo, cacheService)
	classifier := service.NewTransactionClassifier(adapter.NewCounterpartyResolver(counterpartyRepo, nil))
	aggregator := service.NewActivityAggregator(activityRepo, walletLock)
	adoption := service.NewAdoptionStageEngine(stageRepo, walletRepo, activityRepo, walletLock)
	cohorts := service.NewCohortAssigner(cohortRepo, walletRepo, cfg.Worker.BatchSize)
	scorer := service.NewProductivityScorer(cfg.Analytics, scoreRepo, walletRepo, stageRepo, activityRepo)
	correlation := service.NewCorrelationAnalyzer(cfg.Analytics, walletRepo, privacyService, activityRepo)
	conversion := service.NewConversionAnalysisService(cfg.Analytics, walletRepo, privacyService, adoption)
	dashboard := service.NewDashboardAggregationService(cfg.Cache, walletRepo, privacyService, activityRepo,
		scoreRepo, scorer, adoption, cacheService)
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

	logger.Info("Services initialized")

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, &api.Services{
		Adoption:     adoption,
		Cohorts:      cohorts,
		Productivity: scorer,
		Correlation:  correlation,
		Conversion:   conversion,
		Privacy:      privacyService,
		Dashboard:    dashboard,
		Ingestion:    ingestion,
		Wallets:      walletRepo,
		Reports:      worker.NewCachedReports(cacheService, cfg.Worker.Interval),
		Health: map[string]api.HealthChecker{
			"postgres":   postgres,
			"clickhouse": clickhouse,
			"redis":      redis,
		},
	})

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
