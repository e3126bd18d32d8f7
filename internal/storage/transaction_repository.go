package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/types"
)

// TransactionRepository stores classified transactions in ClickHouse
type TransactionRepository struct {
	db *ClickHouseDB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *ClickHouseDB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const processedColumns = `wallet_id, tx_id, block_height, block_time, tx_type, subtype, value_zatoshi,
	fee_zatoshi, counterparty_address, counterparty_type, feature_tag, is_shielded,
	complexity_score, sequence_position, minutes_since_previous`

// BatchInsert appends classified transactions
func (r *TransactionRepository) BatchInsert(ctx context.Context, txs []*models.ProcessedTransaction) error {
	if len(txs) == 0 {
		return nil
	}

	return r.db.InsertBatch(ctx, `INSERT INTO processed_transactions (`+processedColumns+`)`, len(txs),
		func(batch driver.Batch, i int) error {
			tx := txs[i]
			complexity := tx.ComplexityScore
			if complexity < 0 {
				complexity = 0
			}
			if complexity > 100 {
				complexity = 100
			}
			if err := batch.Append(
				tx.WalletID,
				tx.TxID,
				tx.BlockHeight,
				tx.BlockTime.UTC(),
				string(tx.TxType),
				string(tx.Subtype),
				tx.ValueZatoshi,
				tx.FeeZatoshi,
				tx.CounterpartyAddress,
				string(tx.CounterpartyType),
				tx.FeatureTag,
				tx.IsShielded,
				uint8(complexity), // #nosec G115 - clamped above
				tx.SequencePosition,
				tx.MinutesSincePrevious,
			); err != nil {
				return fmt.Errorf("transaction %s: %w", tx.TxID, err)
			}
			return nil
		})
}

// ListByWallet returns a wallet's classified transactions in chain order,
// optionally only those after since
func (r *TransactionRepository) ListByWallet(ctx context.Context, walletID string, since *time.Time) ([]*models.ProcessedTransaction, error) {
	query := `SELECT ` + processedColumns + ` FROM processed_transactions FINAL WHERE wallet_id = ?`
	args := []interface{}{walletID}
	if since != nil {
		query += ` AND block_time > ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY block_time, sequence_position`

	rows, err := r.db.Conn().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	return scanProcessed(rows)
}

// Latest returns the most recent classified transaction of a wallet, or nil
func (r *TransactionRepository) Latest(ctx context.Context, walletID string) (*models.ProcessedTransaction, error) {
	row := r.db.Conn().QueryRow(ctx, `
		SELECT tx_id, block_time, sequence_position FROM processed_transactions FINAL
		WHERE wallet_id = ?
		ORDER BY sequence_position DESC
		LIMIT 1
	`, walletID)

	var tx models.ProcessedTransaction
	if err := row.Scan(&tx.TxID, &tx.BlockTime, &tx.SequencePosition); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest transaction: %w", err)
	}
	tx.WalletID = walletID
	tx.BlockTime = tx.BlockTime.UTC()
	return &tx, nil
}

// StoredByIDs returns the stored rows for those of txIDs the wallet already
// has, keyed by transaction id
func (r *TransactionRepository) StoredByIDs(ctx context.Context, walletID string, txIDs []string) (map[string]*models.ProcessedTransaction, error) {
	out := make(map[string]*models.ProcessedTransaction)
	if len(txIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.Conn().Query(ctx, `SELECT `+processedColumns+` FROM processed_transactions FINAL
		WHERE wallet_id = ? AND tx_id IN (?)`, walletID, txIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query stored transactions: %w", err)
	}
	defer rows.Close()

	stored, err := scanProcessed(rows)
	if err != nil {
		return nil, err
	}
	for _, tx := range stored {
		out[tx.TxID] = tx
	}
	return out, nil
}

// scanProcessed reads rows selected with processedColumns
func scanProcessed(rows driver.Rows) ([]*models.ProcessedTransaction, error) {
	var out []*models.ProcessedTransaction
	for rows.Next() {
		var (
			tx                                models.ProcessedTransaction
			txType, subtype, counterpartyType string
			complexity                        uint8
		)
		if err := rows.Scan(
			&tx.WalletID,
			&tx.TxID,
			&tx.BlockHeight,
			&tx.BlockTime,
			&txType,
			&subtype,
			&tx.ValueZatoshi,
			&tx.FeeZatoshi,
			&tx.CounterpartyAddress,
			&counterpartyType,
			&tx.FeatureTag,
			&tx.IsShielded,
			&complexity,
			&tx.SequencePosition,
			&tx.MinutesSincePrevious,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.TxType = types.TxType(txType)
		tx.Subtype = types.TxSubtype(subtype)
		tx.CounterpartyType = types.CounterpartyType(counterpartyType)
		tx.ComplexityScore = int(complexity)
		tx.BlockTime = tx.BlockTime.UTC()
		out = append(out, &tx)
	}
	return out, rows.Err()
}
