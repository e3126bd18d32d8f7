package service

import (
	"context"
	"errors"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/storage"
)

// ActivityStore persists daily activity and the ledger of contributing transactions
type ActivityStore interface {
	ApplyTransactions(ctx context.Context, walletID string, txs []*models.ProcessedTransaction) (int, error)
	ListByWallet(ctx context.Context, walletID string) ([]*models.WalletActivityMetric, error)
	ListByWallets(ctx context.Context, walletIDs []string) (map[string][]*models.WalletActivityMetric, error)
}

// ActivityAggregator rolls classified transactions into per-day metrics.
// Re-applying a transaction id is a no-op.
type ActivityAggregator struct {
	store ActivityStore
	guard *walletGuard
}

// NewActivityAggregator creates an aggregator. locker may be nil for single-process deployments.
func NewActivityAggregator(store ActivityStore, locker WalletLocker) *ActivityAggregator {
	return &ActivityAggregator{store: store, guard: newWalletGuard(locker)}
}

// Apply folds txs into the wallet's daily metrics and returns how many were new
func (a *ActivityAggregator) Apply(ctx context.Context, walletID string, txs []*models.ProcessedTransaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	unlock, err := a.guard.lock(ctx, walletID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	applied, err := a.store.ApplyTransactions(ctx, walletID, txs)
	if errors.Is(err, storage.ErrSerialization) {
		logging.FromContext(ctx).ForWallet(walletID).Warn("activity write conflicted, retrying once")
		applied, err = a.store.ApplyTransactions(ctx, walletID, txs)
		if errors.Is(err, storage.ErrSerialization) {
			return 0, apperrors.NewConflictError("wallet_activity", walletID)
		}
	}
	return applied, err
}

// Snapshot returns the wallet's lifetime activity summary
func (a *ActivityAggregator) Snapshot(ctx context.Context, walletID string) (*models.ActivitySnapshot, error) {
	metrics, err := a.store.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return models.SnapshotFrom(walletID, metrics), nil
}
