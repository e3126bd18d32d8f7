package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wallet-insights/internal/config"
	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/metrics"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/retry"
	"github.com/wallet-insights/internal/types"
)

// TransactionSource is the indexing subsystem
type TransactionSource interface {
	FetchTransactions(ctx context.Context, walletID string, since *time.Time) ([]*models.RawTransaction, error)
}

// TransactionStore is the append-only store of classified transactions
type TransactionStore interface {
	BatchInsert(ctx context.Context, txs []*models.ProcessedTransaction) error
	Latest(ctx context.Context, walletID string) (*models.ProcessedTransaction, error)
	StoredByIDs(ctx context.Context, walletID string, txIDs []string) (map[string]*models.ProcessedTransaction, error)
}

// SyncRegistry reads wallets and tracks how far each has been synced
type SyncRegistry interface {
	WalletRegistry
	SyncCursor(ctx context.Context, walletID string) (*time.Time, error)
	AdvanceSyncCursor(ctx context.Context, walletID string, to time.Time) error
}

// SyncResult reports what one wallet sync did
type SyncResult struct {
	WalletID    string            `json:"walletId"`
	Fetched     int               `json:"fetched"`
	Classified  int               `json:"classified"`
	Applied     int               `json:"applied"`
	Malformed   int               `json:"malformed"`
	NewStages   []types.StageName `json:"newStages"`
	TotalScore  float64           `json:"totalScore"`
	CompletedAt time.Time         `json:"completedAt"`
}

// IngestionService pulls new transactions for wallets and pushes them
// through classification, aggregation, stage evaluation, cohort assignment
// and scoring
type IngestionService struct {
	source      TransactionSource
	txStore     TransactionStore
	registry    SyncRegistry
	classifier  *TransactionClassifier
	aggregator  *ActivityAggregator
	engine      *AdoptionStageEngine
	cohorts     *CohortAssigner
	scorer      *ProductivityScorer
	upstream    config.UpstreamConfig
	concurrency int
}

// NewIngestionService wires the ingestion pipeline
func NewIngestionService(
	source TransactionSource,
	txStore TransactionStore,
	registry SyncRegistry,
	classifier *TransactionClassifier,
	aggregator *ActivityAggregator,
	engine *AdoptionStageEngine,
	cohorts *CohortAssigner,
	scorer *ProductivityScorer,
	upstream config.UpstreamConfig,
	concurrency int,
) *IngestionService {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &IngestionService{
		source:      source,
		txStore:     txStore,
		registry:    registry,
		classifier:  classifier,
		aggregator:  aggregator,
		engine:      engine,
		cohorts:     cohorts,
		scorer:      scorer,
		upstream:    upstream,
		concurrency: concurrency,
	}
}

func (s *IngestionService) retryConfig() *retry.RetryConfig {
	cfg := retry.DefaultRetryConfig()
	if s.upstream.RetryAttempts > 0 {
		cfg.MaxAttempts = s.upstream.RetryAttempts
	}
	if s.upstream.RetryInitialDelay > 0 {
		cfg.InitialDelay = s.upstream.RetryInitialDelay
	}
	cfg.ShouldRetry = apperrors.IsRetryable
	return cfg
}

// fetch calls the indexer with a per-attempt timeout and bounded retries
func (s *IngestionService) fetch(ctx context.Context, walletID string, since *time.Time) ([]*models.RawTransaction, error) {
	timeout := s.upstream.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	raws, res := retry.Do(ctx, s.retryConfig(), func(ctx context.Context) ([]*models.RawTransaction, error) {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		raws, err := s.source.FetchTransactions(actx, walletID, since)
		if err != nil && actx.Err() == context.DeadlineExceeded {
			return nil, apperrors.NewUpstreamUnavailableError("indexer", err)
		}
		return raws, err
	})
	if err := res.Err(); err != nil {
		return nil, err
	}
	return raws, nil
}

// SyncWallet brings one wallet up to date with the indexer
func (s *IngestionService) SyncWallet(ctx context.Context, walletID string) (*SyncResult, error) {
	w, err := s.registry.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).ForWallet(walletID)
	ctx = logging.WithLogger(ctx, log)

	if err := s.engine.Initialize(ctx, walletID); err != nil {
		return nil, err
	}

	since, err := s.registry.SyncCursor(ctx, walletID)
	if err != nil {
		return nil, err
	}
	raws, err := s.fetch(ctx, walletID, since)
	if err != nil {
		return nil, err
	}
	result := &SyncResult{WalletID: walletID, Fetched: len(raws)}

	fresh, stored, err := s.splitKnown(ctx, walletID, raws)
	if err != nil {
		return nil, err
	}

	prev, err := s.txStore.Latest(ctx, walletID)
	if err != nil {
		return nil, err
	}
	processed, failed := s.classifier.ClassifyBatch(ctx, fresh, walletID, w.Address, prev)
	result.Classified, result.Malformed = len(processed), len(failed)
	for _, f := range failed {
		log.WithField("tx_id", f.ID).Warnf("skipping transaction: %s", f.Error)
	}

	if len(processed) > 0 {
		if err := s.txStore.BatchInsert(ctx, processed); err != nil {
			return nil, err
		}
	}
	// stored rows fetched again are applied too, in case an earlier sync
	// failed between storing and counting them; the ledger counts each once
	pending := append(stored, processed...)
	if result.Applied, err = s.aggregator.Apply(ctx, walletID, pending); err != nil {
		if apperrors.IsConflict(err) {
			metrics.RecordSyncConflict()
		}
		return nil, err
	}

	if result.NewStages, err = s.engine.UpdateStages(ctx, walletID); err != nil {
		return nil, err
	}
	if _, err := s.cohorts.Assign(ctx, walletID); err != nil {
		return nil, err
	}
	score, err := s.scorer.Recompute(ctx, walletID)
	if err != nil {
		return nil, err
	}
	result.TotalScore = score.TotalScore

	if last, ok := latestBlockTime(pending); ok {
		if err := s.registry.AdvanceSyncCursor(ctx, walletID, last); err != nil {
			return nil, err
		}
	}
	result.CompletedAt = time.Now().UTC()

	log.WithFields(map[string]interface{}{
		"fetched":    result.Fetched,
		"classified": result.Classified,
		"applied":    result.Applied,
		"new_stages": len(result.NewStages),
	}).Debug("wallet synced")
	return result, nil
}

// splitKnown separates fetched transactions the wallet has not stored yet
// from the stored rows of those it has. Repeats within one fetch are dropped.
func (s *IngestionService) splitKnown(ctx context.Context, walletID string, raws []*models.RawTransaction) ([]*models.RawTransaction, []*models.ProcessedTransaction, error) {
	if len(raws) == 0 {
		return nil, nil, nil
	}
	ids := make([]string, 0, len(raws))
	for _, r := range raws {
		if r != nil && r.TxID != "" {
			ids = append(ids, r.TxID)
		}
	}
	known, err := s.txStore.StoredByIDs(ctx, walletID, ids)
	if err != nil {
		return nil, nil, err
	}
	fresh := make([]*models.RawTransaction, 0, len(raws))
	var stored []*models.ProcessedTransaction
	seen := make(map[string]bool, len(raws))
	for _, r := range raws {
		if r != nil && seen[r.TxID] {
			continue
		}
		if r != nil {
			seen[r.TxID] = true
			if tx, ok := known[r.TxID]; ok {
				stored = append(stored, tx)
				continue
			}
		}
		fresh = append(fresh, r)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].SequencePosition < stored[j].SequencePosition })
	return fresh, stored, nil
}

func latestBlockTime(txs []*models.ProcessedTransaction) (time.Time, bool) {
	var last time.Time
	for _, tx := range txs {
		if tx.BlockTime.After(last) {
			last = tx.BlockTime
		}
	}
	return last, !last.IsZero()
}

// SyncProject syncs every wallet of a project in parallel. A failing wallet
// is reported in the result and never aborts the others.
func (s *IngestionService) SyncProject(ctx context.Context, projectID string) (*types.BatchResult, error) {
	wallets, err := s.registry.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).ForProject(projectID)

	result := types.NewBatchResult("sync_project")
	var mu sync.Mutex
	record := func(item types.BatchItem) {
		mu.Lock()
		result.Record(item)
		mu.Unlock()
		metrics.RecordBatchItem(result.Operation, string(item.Status))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, w := range wallets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				record(types.BatchItem{ID: w.ID, Status: types.ItemSkipped, Detail: "cancelled"})
				return nil
			}
			res, err := s.SyncWallet(gctx, w.ID)
			if err != nil {
				log.ForWallet(w.ID).WithError(err).Warn("wallet sync failed")
				record(types.BatchItem{ID: w.ID, Status: types.ItemFailed, Error: err.Error()})
				return nil
			}
			if res.Classified == 0 {
				record(types.BatchItem{ID: w.ID, Status: types.ItemSkipped, Detail: "no new transactions"})
				return nil
			}
			record(types.BatchItem{
				ID:     w.ID,
				Status: types.ItemSuccess,
				Detail: fmt.Sprintf("%d new transactions", res.Classified),
			})
			return nil
		})
	}
	_ = g.Wait()

	log.WithFields(map[string]interface{}{
		"total":     result.Total,
		"succeeded": result.Succeeded,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
	}).Info("project sync finished")
	return result.Finish(), nil
}

// Reclassify rebuilds a wallet's stored transactions from the indexer's full
// history. Stored rows are replaced by the ReplacingMergeTree on merge, and
// activity already counted is not applied twice.
func (s *IngestionService) Reclassify(ctx context.Context, walletID string) (*SyncResult, error) {
	w, err := s.registry.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	raws, err := s.fetch(ctx, walletID, nil)
	if err != nil {
		return nil, err
	}
	processed, failed := s.classifier.ClassifyBatch(ctx, raws, walletID, w.Address, nil)
	if len(processed) > 0 {
		if err := s.txStore.BatchInsert(ctx, processed); err != nil {
			return nil, err
		}
	}
	applied, err := s.aggregator.Apply(ctx, walletID, processed)
	if err != nil {
		return nil, err
	}
	stages, err := s.engine.UpdateStages(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &SyncResult{
		WalletID:    walletID,
		Fetched:     len(raws),
		Classified:  len(processed),
		Applied:     applied,
		Malformed:   len(failed),
		NewStages:   stages,
		CompletedAt: time.Now().UTC(),
	}, nil
}
