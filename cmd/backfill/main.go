// Package main provides the backfill CLI for the wallet analytics engine.
// It creates cohorts for an explicit date range and re-runs transaction
// classification for the wallets of a project.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wallet-insights/internal/adapter"
	"github.com/wallet-insights/internal/config"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/ratelimit"
	"github.com/wallet-insights/internal/service"
	"github.com/wallet-insights/internal/storage"
	"github.com/wallet-insights/internal/types"
)

func main() {
	var (
		start       = flag.String("start", "", "Cohort range start date (YYYY-MM-DD)")
		end         = flag.String("end", "", "Cohort range end date (YYYY-MM-DD), inclusive")
		cohortType  = flag.String("type", "both", "Cohort type: weekly, monthly, both")
		project     = flag.String("project", "", "Project whose wallets are reclassified from the indexer")
		concurrency = flag.Int("concurrency", 4, "Wallets reclassified in parallel")
	)
	flag.Parse()

	if *start == "" && *project == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -start/-end for cohorts and/or -project for reclassification")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "backfill")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	walletRepo := storage.NewWalletRepository(postgres)
	cohorts := service.NewCohortAssigner(storage.NewCohortRepository(postgres), walletRepo, cfg.Worker.BatchSize)

	if *start != "" {
		if err := backfillCohorts(ctx, cohorts, *start, *end, *cohortType); err != nil {
			logger.WithError(err).Fatal("Cohort backfill failed")
		}
	}

	if *project == "" {
		return
	}

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

	activityRepo := storage.NewActivityRepository(postgres)
	stageRepo := storage.NewStageRepository(postgres)
	walletLock := storage.NewRedisWalletLock(redis, 30*time.Second, 5*time.Second)

	classifier := service.NewTransactionClassifier(
		adapter.NewCounterpartyResolver(storage.NewCounterpartyRepository(postgres), nil))
	aggregator := service.NewActivityAggregator(activityRepo, walletLock)
	adoption := service.NewAdoptionStageEngine(stageRepo, walletRepo, activityRepo, walletLock)
	scorer := service.NewProductivityScorer(cfg.Analytics, storage.NewScoreRepository(postgres), walletRepo, stageRepo, activityRepo)
	indexer := adapter.NewIndexerClient(&cfg.Upstream)
	pacer, err := ratelimit.NewIndexerPacer(&cfg.Upstream, redis.Client())
	if err != nil {
		logger.WithError(err).Fatal("Invalid indexer budget")
	}
	if pacer != nil {
		indexer.WithPacer(pacer)
	}
	ingestion := service.NewIngestionService(indexer, storage.NewTransactionRepository(clickhouse),
		walletRepo, classifier, aggregator, adoption, cohorts, scorer, cfg.Upstream, *concurrency)

	// Reclassification only draws from the part of the budget live syncs do not reserve
	result, err := reclassifyProject(ratelimit.WithPriority(ctx, ratelimit.PriorityBackfill), walletRepo, ingestion, *project, *concurrency)
	if err != nil {
		logger.WithError(err).Fatal("Reclassification failed")
	}

	// Scores depend on the rebuilt activity
	scores, err := scorer.RecomputeProject(ctx, *project)
	if err != nil {
		logger.WithError(err).Fatal("Score recomputation failed")
	}

	if err := storage.NewCacheService(redis, cfg.Cache.DashboardTTL).InvalidateProject(ctx, *project); err != nil {
		logger.WithError(err).Warn("Failed to invalidate cached views")
	}

	logger.ForProject(*project).WithFields(map[string]interface{}{
		"wallets":        result.Total,
		"reclassified":   result.Succeeded,
		"failed":         result.Failed,
		"scores_updated": scores.Succeeded,
	}).Info("Backfill complete")

	if result.Failed > 0 {
		os.Exit(1)
	}
}

func backfillCohorts(ctx context.Context, cohorts *service.CohortAssigner, start, end, kind string) error {
	from, err := time.Parse("2006-01-02", start)
	if err != nil {
		return fmt.Errorf("invalid -start: %w", err)
	}
	to := from
	if end != "" {
		if to, err = time.Parse("2006-01-02", end); err != nil {
			return fmt.Errorf("invalid -end: %w", err)
		}
	}

	var cohortTypes []types.CohortType
	switch kind {
	case "weekly":
		cohortTypes = []types.CohortType{types.CohortWeekly}
	case "monthly":
		cohortTypes = []types.CohortType{types.CohortMonthly}
	case "both":
		cohortTypes = []types.CohortType{types.CohortWeekly, types.CohortMonthly}
	default:
		return fmt.Errorf("unknown cohort type: %s", kind)
	}

	logger := logging.FromContext(ctx)
	for _, ct := range cohortTypes {
		res, err := cohorts.CreateForRange(ctx, from, to, ct)
		if err != nil {
			return err
		}
		fields := map[string]interface{}{
			"type":    string(ct),
			"cohorts": len(res.Cohorts),
			"created": res.Created,
		}
		if res.Assignments != nil {
			fields["assigned"] = res.Assignments.Succeeded
			fields["assign_failed"] = res.Assignments.Failed
		}
		logger.WithFields(fields).Info("Cohort range backfilled")
	}
	return nil
}

// reclassifyProject rebuilds every wallet of a project, a bounded number at a time
func reclassifyProject(ctx context.Context, wallets *storage.WalletRepository, ingestion *service.IngestionService, projectID string, concurrency int) (*types.BatchResult, error) {
	list, err := wallets.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	result := types.NewBatchResult("reclassify_project")
	var mu sync.Mutex
	record := func(item types.BatchItem) {
		mu.Lock()
		result.Record(item)
		mu.Unlock()
	}
	logger := logging.FromContext(ctx).ForProject(projectID)
	logger.WithField("wallets", len(list)).Info("Reclassifying project wallets")

	g, gctx := errgroup.WithContext(ctx)
	if concurrency < 1 {
		concurrency = 1
	}
	g.SetLimit(concurrency)

	for _, w := range list {
		walletID := w.ID
		g.Go(func() error {
			res, err := ingestion.Reclassify(gctx, walletID)
			if err != nil {
				logger.ForWallet(walletID).WithError(err).Warn("Reclassification failed")
				record(types.BatchItem{ID: walletID, Status: types.ItemFailed, Error: err.Error()})
				return nil
			}
			record(types.BatchItem{ID: walletID, Status: types.ItemSuccess, Detail: fmt.Sprintf("%d classified", res.Classified)})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result.Finish(), ctx.Err()
}
