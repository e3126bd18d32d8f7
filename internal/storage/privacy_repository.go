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

// PrivacyRepository persists privacy preferences and data access grants
type PrivacyRepository struct {
	db *PostgresDB
}

// NewPrivacyRepository creates a new privacy repository
func NewPrivacyRepository(db *PostgresDB) *PrivacyRepository {
	return &PrivacyRepository{db: db}
}

// GetPreference returns a wallet's current privacy preference
func (r *PrivacyRepository) GetPreference(ctx context.Context, walletID string) (*models.PrivacyPreference, error) {
	var p models.PrivacyPreference
	var mode string
	err := r.db.Pool().QueryRow(ctx, `
		SELECT wallet_id, mode, effective_at FROM privacy_preferences WHERE wallet_id = $1
	`, walletID).Scan(&p.WalletID, &mode, &p.EffectiveAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("privacy preference", walletID)
		}
		return nil, apperrors.NewDatabaseError("get privacy preference", err)
	}
	p.Mode = types.PrivacyMode(mode)
	return &p, nil
}

// SetMode records a new privacy mode on both the preference and the wallet row
func (r *PrivacyRepository) SetMode(ctx context.Context, pref *models.PrivacyPreference) error {
	err := r.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE wallets SET privacy_mode = $2 WHERE id = $1`, pref.WalletID, string(pref.Mode))
		if err != nil {
			return fmt.Errorf("failed to update wallet privacy mode: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NewNotFoundError("wallet", pref.WalletID)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO privacy_preferences (wallet_id, mode, effective_at) VALUES ($1, $2, $3)
			ON CONFLICT (wallet_id) DO UPDATE SET mode = EXCLUDED.mode, effective_at = EXCLUDED.effective_at
		`, pref.WalletID, string(pref.Mode), pref.EffectiveAt)
		if err != nil {
			return fmt.Errorf("failed to upsert privacy preference: %w", err)
		}
		return nil
	})
	if err != nil {
		if apperrors.IsNotFound(err) {
			return err
		}
		return apperrors.NewDatabaseError("set privacy mode", err)
	}
	return nil
}

const grantColumns = `id, buyer_id, wallet_id, project_id, granted_at, expires_at, revoked_at`

func scanGrant(row pgx.Row) (*models.DataAccessGrant, error) {
	var g models.DataAccessGrant
	if err := row.Scan(&g.ID, &g.BuyerID, &g.WalletID, &g.ProjectID, &g.GrantedAt, &g.ExpiresAt, &g.RevokedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGrant stores a new data access grant
func (r *PrivacyRepository) CreateGrant(ctx context.Context, g *models.DataAccessGrant) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO data_access_grants (`+grantColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, g.ID, g.BuyerID, g.WalletID, g.ProjectID, g.GrantedAt, g.ExpiresAt, g.RevokedAt)
	if err != nil {
		return apperrors.NewDatabaseError("create grant", err)
	}
	return nil
}

// RevokeGrant ends a grant immediately. The grant must cover projectID or
// one of its wallets; anything else reads as not found.
func (r *PrivacyRepository) RevokeGrant(ctx context.Context, grantID, projectID string, at time.Time) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE data_access_grants SET revoked_at = $3
		WHERE id = $1 AND revoked_at IS NULL
		  AND (project_id = $2 OR wallet_id IN (SELECT id FROM wallets WHERE project_id = $2))
	`, grantID, projectID, at)
	if err != nil {
		return apperrors.NewDatabaseError("revoke grant", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("grant", grantID)
	}
	return nil
}

// FindActiveGrant returns a grant covering the buyer's access to the wallet,
// either directly or through the wallet's project, active at the given instant
func (r *PrivacyRepository) FindActiveGrant(ctx context.Context, buyerID, walletID, projectID string, at time.Time) (*models.DataAccessGrant, error) {
	g, err := scanGrant(r.db.Pool().QueryRow(ctx, `
		SELECT `+grantColumns+` FROM data_access_grants
		WHERE buyer_id = $1
		  AND (wallet_id = $2 OR project_id = $3)
		  AND granted_at <= $4 AND expires_at > $4
		  AND (revoked_at IS NULL OR revoked_at > $4)
		ORDER BY expires_at DESC
		LIMIT 1
	`, buyerID, walletID, projectID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("find active grant", err)
	}
	return g, nil
}
