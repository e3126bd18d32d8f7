package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/types"
)

const walletColumns = `id, project_id, user_id, address, privacy_mode, created_at, total_transactions, last_activity_at`

// WalletRepository is the wallet/project registry backed by Postgres
type WalletRepository struct {
	db *PostgresDB
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *PostgresDB) *WalletRepository {
	return &WalletRepository{db: db}
}

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	var mode string
	if err := row.Scan(
		&w.ID,
		&w.ProjectID,
		&w.UserID,
		&w.Address,
		&mode,
		&w.CreatedAt,
		&w.TotalTransactions,
		&w.LastActivityAt,
	); err != nil {
		return nil, err
	}
	w.PrivacyMode = types.PrivacyMode(mode)
	w.CreatedAt = w.CreatedAt.UTC()
	return &w, nil
}

func collectWallets(rows pgx.Rows) ([]*models.Wallet, error) {
	defer rows.Close()
	var wallets []*models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// Create registers a wallet together with its initial privacy preference
func (r *WalletRepository) Create(ctx context.Context, w *models.Wallet) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.PrivacyMode == "" {
		w.PrivacyMode = types.PrivacyPrivate
	}

	return r.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO wallets (id, project_id, user_id, address, privacy_mode, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, w.ID, w.ProjectID, w.UserID, w.Address, string(w.PrivacyMode), w.CreatedAt); err != nil {
			return fmt.Errorf("failed to create wallet: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO privacy_preferences (wallet_id, mode, effective_at) VALUES ($1, $2, $3)
		`, w.ID, string(w.PrivacyMode), w.CreatedAt); err != nil {
			return fmt.Errorf("failed to create privacy preference: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a wallet by ID
func (r *WalletRepository) GetByID(ctx context.Context, id string) (*models.Wallet, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("wallet", id)
		}
		return nil, apperrors.NewDatabaseError("get wallet", err)
	}
	return w, nil
}

// ListByProject returns every wallet owned by a project, oldest first
func (r *WalletRepository) ListByProject(ctx context.Context, projectID string) ([]*models.Wallet, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE project_id = $1 ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list project wallets", err)
	}
	return collectWallets(rows)
}

// ListProjectIDs returns every project that owns at least one wallet
func (r *WalletRepository) ListProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT DISTINCT project_id FROM wallets ORDER BY project_id`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list projects", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListUnassigned returns wallets missing an assignment for at least one cohort type
func (r *WalletRepository) ListUnassigned(ctx context.Context, limit int) ([]*models.Wallet, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+walletColumns+` FROM wallets w
		WHERE (SELECT COUNT(*) FROM wallet_cohort_assignments a WHERE a.wallet_id = w.id) < $1
		ORDER BY w.created_at, w.id
		LIMIT $2
	`, len(types.CohortTypes), limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list unassigned wallets", err)
	}
	return collectWallets(rows)
}

// CreatedBetween returns wallets created in [from, to)
func (r *WalletRepository) CreatedBetween(ctx context.Context, from, to time.Time) ([]*models.Wallet, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id
	`, from, to)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list wallets by creation", err)
	}
	return collectWallets(rows)
}

// SyncCursor returns the block time of the last synced transaction, if any
func (r *WalletRepository) SyncCursor(ctx context.Context, walletID string) (*time.Time, error) {
	var cursor *time.Time
	err := r.db.Pool().QueryRow(ctx, `SELECT last_synced_at FROM wallets WHERE id = $1`, walletID).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("wallet", walletID)
		}
		return nil, apperrors.NewDatabaseError("get sync cursor", err)
	}
	return cursor, nil
}

// AdvanceSyncCursor moves the sync cursor forward, never backwards
func (r *WalletRepository) AdvanceSyncCursor(ctx context.Context, walletID string, to time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE wallets SET last_synced_at = GREATEST(COALESCE(last_synced_at, $2), $2)
		WHERE id = $1
	`, walletID, to)
	if err != nil {
		return apperrors.NewDatabaseError("advance sync cursor", err)
	}
	return nil
}
