package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/models"
)

// ActivityRepository persists per-wallet daily activity metrics
type ActivityRepository struct {
	db *PostgresDB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *PostgresDB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

const activityColumns = `wallet_id, activity_date, transaction_count, volume_zatoshi, fees_zatoshi,
	incoming_count, outgoing_count, shielded_count, type_counts, is_active, complexity_total,
	sequence_complexity_score, first_transaction_at, last_transaction_at`

// ApplyTransactions folds classified transactions into the daily metrics in
// one serializable transaction. Transactions already recorded in the
// contribution ledger are skipped, so re-applying a batch never double counts.
// It returns the number of transactions that contributed.
func (r *ActivityRepository) ApplyTransactions(ctx context.Context, walletID string, txs []*models.ProcessedTransaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	applied := 0
	err := r.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		applied = 0
		fresh := make([]*models.ProcessedTransaction, 0, len(txs))
		for _, t := range txs {
			tag, err := tx.Exec(ctx, `
				INSERT INTO activity_contributions (wallet_id, tx_id, activity_date)
				VALUES ($1, $2, $3)
				ON CONFLICT (wallet_id, tx_id) DO NOTHING
			`, walletID, t.TxID, models.UTCDate(t.BlockTime))
			if err != nil {
				return fmt.Errorf("failed to record contribution: %w", err)
			}
			if tag.RowsAffected() == 1 {
				fresh = append(fresh, t)
			}
		}

		var lastActivity time.Time
		for _, delta := range models.DailyActivityFrom(walletID, fresh) {
			if err := upsertDailyMetric(ctx, tx, delta); err != nil {
				return err
			}
			if delta.LastTransactionAt.After(lastActivity) {
				lastActivity = delta.LastTransactionAt
			}
		}

		if len(fresh) > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE wallets
				SET total_transactions = total_transactions + $2,
				    last_activity_at = GREATEST(COALESCE(last_activity_at, $3), $3)
				WHERE id = $1
			`, walletID, len(fresh), lastActivity); err != nil {
				return fmt.Errorf("failed to update wallet counters: %w", err)
			}
		}
		applied = len(fresh)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func upsertDailyMetric(ctx context.Context, tx pgx.Tx, m *models.WalletActivityMetric) error {
	current := &models.WalletActivityMetric{
		WalletID:     m.WalletID,
		ActivityDate: m.ActivityDate,
		TypeCounts:   make(map[string]int64),
	}

	row := tx.QueryRow(ctx, `SELECT `+activityColumns+`
		FROM wallet_activity_metrics WHERE wallet_id = $1 AND activity_date = $2 FOR UPDATE`,
		m.WalletID, m.ActivityDate)
	existing, err := scanActivity(row)
	switch {
	case err == nil:
		current = existing
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("failed to load daily metric: %w", err)
	}

	current.Merge(m)

	typeCounts, err := json.Marshal(current.TypeCounts)
	if err != nil {
		return fmt.Errorf("failed to marshal type counts: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_activity_metrics (`+activityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (wallet_id, activity_date) DO UPDATE SET
			transaction_count = EXCLUDED.transaction_count,
			volume_zatoshi = EXCLUDED.volume_zatoshi,
			fees_zatoshi = EXCLUDED.fees_zatoshi,
			incoming_count = EXCLUDED.incoming_count,
			outgoing_count = EXCLUDED.outgoing_count,
			shielded_count = EXCLUDED.shielded_count,
			type_counts = EXCLUDED.type_counts,
			is_active = EXCLUDED.is_active,
			complexity_total = EXCLUDED.complexity_total,
			sequence_complexity_score = EXCLUDED.sequence_complexity_score,
			first_transaction_at = EXCLUDED.first_transaction_at,
			last_transaction_at = EXCLUDED.last_transaction_at
	`,
		current.WalletID,
		current.ActivityDate,
		current.TransactionCount,
		current.VolumeZatoshi,
		current.FeesZatoshi,
		current.IncomingCount,
		current.OutgoingCount,
		current.ShieldedCount,
		typeCounts,
		current.IsActive,
		current.ComplexityTotal,
		current.SequenceComplexityScore,
		nullTime(current.FirstTransactionAt),
		nullTime(current.LastTransactionAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert daily metric: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanActivity(row pgx.Row) (*models.WalletActivityMetric, error) {
	var m models.WalletActivityMetric
	var typeCounts []byte
	var first, last *time.Time
	if err := row.Scan(
		&m.WalletID,
		&m.ActivityDate,
		&m.TransactionCount,
		&m.VolumeZatoshi,
		&m.FeesZatoshi,
		&m.IncomingCount,
		&m.OutgoingCount,
		&m.ShieldedCount,
		&typeCounts,
		&m.IsActive,
		&m.ComplexityTotal,
		&m.SequenceComplexityScore,
		&first,
		&last,
	); err != nil {
		return nil, err
	}
	m.ActivityDate = models.UTCDate(m.ActivityDate)
	m.TypeCounts = make(map[string]int64)
	if len(typeCounts) > 0 {
		if err := json.Unmarshal(typeCounts, &m.TypeCounts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal type counts: %w", err)
		}
	}
	if first != nil {
		m.FirstTransactionAt = first.UTC()
	}
	if last != nil {
		m.LastTransactionAt = last.UTC()
	}
	return &m, nil
}

func collectActivity(rows pgx.Rows) (map[string][]*models.WalletActivityMetric, error) {
	defer rows.Close()
	out := make(map[string][]*models.WalletActivityMetric)
	for rows.Next() {
		m, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity metric: %w", err)
		}
		out[m.WalletID] = append(out[m.WalletID], m)
	}
	return out, rows.Err()
}

// ListByWallet returns a wallet's daily metrics in date order
func (r *ActivityRepository) ListByWallet(ctx context.Context, walletID string) ([]*models.WalletActivityMetric, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+activityColumns+`
		FROM wallet_activity_metrics WHERE wallet_id = $1 ORDER BY activity_date`, walletID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list wallet activity", err)
	}
	byWallet, err := collectActivity(rows)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list wallet activity", err)
	}
	return byWallet[walletID], nil
}

// ListByProject returns daily metrics for every wallet of a project keyed by wallet id
func (r *ActivityRepository) ListByProject(ctx context.Context, projectID string) (map[string][]*models.WalletActivityMetric, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+prefixed("m", activityColumns)+`
		FROM wallet_activity_metrics m
		JOIN wallets w ON w.id = m.wallet_id
		WHERE w.project_id = $1
		ORDER BY m.wallet_id, m.activity_date`, projectID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list project activity", err)
	}
	out, err := collectActivity(rows)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list project activity", err)
	}
	return out, nil
}

// ListByWallets returns daily metrics for the given wallets keyed by wallet id
func (r *ActivityRepository) ListByWallets(ctx context.Context, walletIDs []string) (map[string][]*models.WalletActivityMetric, error) {
	if len(walletIDs) == 0 {
		return map[string][]*models.WalletActivityMetric{}, nil
	}
	rows, err := r.db.Pool().Query(ctx, `SELECT `+activityColumns+`
		FROM wallet_activity_metrics WHERE wallet_id = ANY($1)
		ORDER BY wallet_id, activity_date`, walletIDs)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list wallets activity", err)
	}
	out, err := collectActivity(rows)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list wallets activity", err)
	}
	return out, nil
}
