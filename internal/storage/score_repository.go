package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/types"
)

// ScoreRepository keeps the latest productivity score per wallet
type ScoreRepository struct {
	db *PostgresDB
}

// NewScoreRepository creates a new score repository
func NewScoreRepository(db *PostgresDB) *ScoreRepository {
	return &ScoreRepository{db: db}
}

const scoreColumns = `wallet_id, retention_score, adoption_score, activity_score, diversity_score,
	total_score, status, risk_level, calculated_at`

func scanScore(row pgx.Row) (*models.ProductivityScore, error) {
	var s models.ProductivityScore
	var status, risk string
	if err := row.Scan(
		&s.WalletID,
		&s.RetentionScore,
		&s.AdoptionScore,
		&s.ActivityScore,
		&s.DiversityScore,
		&s.TotalScore,
		&status,
		&risk,
		&s.CalculatedAt,
	); err != nil {
		return nil, err
	}
	s.Status = types.ScoreStatus(status)
	s.RiskLevel = types.RiskLevel(risk)
	return &s, nil
}

// Upsert overwrites the wallet's latest score
func (r *ScoreRepository) Upsert(ctx context.Context, s *models.ProductivityScore) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO productivity_scores (`+scoreColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (wallet_id) DO UPDATE SET
			retention_score = EXCLUDED.retention_score,
			adoption_score = EXCLUDED.adoption_score,
			activity_score = EXCLUDED.activity_score,
			diversity_score = EXCLUDED.diversity_score,
			total_score = EXCLUDED.total_score,
			status = EXCLUDED.status,
			risk_level = EXCLUDED.risk_level,
			calculated_at = EXCLUDED.calculated_at
	`,
		s.WalletID,
		s.RetentionScore,
		s.AdoptionScore,
		s.ActivityScore,
		s.DiversityScore,
		s.TotalScore,
		string(s.Status),
		string(s.RiskLevel),
		s.CalculatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("upsert productivity score", err)
	}
	return nil
}

// GetByWallet returns the latest score of a wallet
func (r *ScoreRepository) GetByWallet(ctx context.Context, walletID string) (*models.ProductivityScore, error) {
	s, err := scanScore(r.db.Pool().QueryRow(ctx, `SELECT `+scoreColumns+` FROM productivity_scores WHERE wallet_id = $1`, walletID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("productivity score", walletID)
		}
		return nil, apperrors.NewDatabaseError("get productivity score", err)
	}
	return s, nil
}

// ListByWallets returns the latest scores of the given wallets keyed by wallet id
func (r *ScoreRepository) ListByWallets(ctx context.Context, walletIDs []string) (map[string]*models.ProductivityScore, error) {
	out := make(map[string]*models.ProductivityScore, len(walletIDs))
	if len(walletIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.Pool().Query(ctx, `SELECT `+scoreColumns+` FROM productivity_scores WHERE wallet_id = ANY($1)`, walletIDs)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list productivity scores", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		out[s.WalletID] = s
	}
	return out, rows.Err()
}
