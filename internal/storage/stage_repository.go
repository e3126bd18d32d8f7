package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/types"
)

// ErrStageAlreadyAchieved is returned when a stage write finds the row
// already achieved by another writer
var ErrStageAlreadyAchieved = errors.New("stage already achieved")

// StageRepository persists wallet adoption stages
type StageRepository struct {
	db *PostgresDB
}

// NewStageRepository creates a new stage repository
func NewStageRepository(db *PostgresDB) *StageRepository {
	return &StageRepository{db: db}
}

const stageColumns = `wallet_id, stage_name, achieved_at, time_to_achieve_hours, conversion_probability, updated_at`

// Initialize creates one row per funnel stage. The created stage is achieved
// at wallet creation; existing rows are left untouched.
func (r *StageRepository) Initialize(ctx context.Context, walletID string, createdAt time.Time) error {
	return r.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		for _, stage := range types.FunnelStages {
			var achievedAt *time.Time
			var hours *float64
			prob := 0.0
			if stage == types.StageCreated {
				at, zero := createdAt.UTC(), 0.0
				achievedAt, hours, prob = &at, &zero, 1
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO wallet_adoption_stages (`+stageColumns+`)
				VALUES ($1, $2, $3, $4, $5, NOW())
				ON CONFLICT (wallet_id, stage_name) DO NOTHING
			`, walletID, string(stage), achievedAt, hours, prob); err != nil {
				return fmt.Errorf("failed to initialize stage %s: %w", stage, err)
			}
		}
		return nil
	})
}

func scanStage(row pgx.Row) (*models.WalletAdoptionStage, error) {
	var s models.WalletAdoptionStage
	var name string
	if err := row.Scan(&s.WalletID, &name, &s.AchievedAt, &s.TimeToAchieveHours, &s.ConversionProbability, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.StageName = types.StageName(name)
	if s.AchievedAt != nil {
		at := s.AchievedAt.UTC()
		s.AchievedAt = &at
	}
	return &s, nil
}

func collectStages(rows pgx.Rows) (map[string][]*models.WalletAdoptionStage, error) {
	defer rows.Close()
	out := make(map[string][]*models.WalletAdoptionStage)
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		out[s.WalletID] = append(out[s.WalletID], s)
	}
	return out, rows.Err()
}

// ListByWallet returns a wallet's stage rows (unordered; callers order by funnel)
func (r *StageRepository) ListByWallet(ctx context.Context, walletID string) ([]*models.WalletAdoptionStage, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+stageColumns+` FROM wallet_adoption_stages WHERE wallet_id = $1`, walletID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list wallet stages", err)
	}
	out, err := collectStages(rows)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list wallet stages", err)
	}
	return out[walletID], nil
}

// ListByProject returns stage rows for every wallet of a project keyed by wallet id
func (r *StageRepository) ListByProject(ctx context.Context, projectID string) (map[string][]*models.WalletAdoptionStage, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+prefixed("s", stageColumns)+`
		FROM wallet_adoption_stages s
		JOIN wallets w ON w.id = s.wallet_id
		WHERE w.project_id = $1`, projectID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list project stages", err)
	}
	out, err := collectStages(rows)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list project stages", err)
	}
	return out, nil
}

// ListByWallets returns stage rows for the given wallets keyed by wallet id
func (r *StageRepository) ListByWallets(ctx context.Context, walletIDs []string) (map[string][]*models.WalletAdoptionStage, error) {
	if len(walletIDs) == 0 {
		return map[string][]*models.WalletAdoptionStage{}, nil
	}
	rows, err := r.db.Pool().Query(ctx, `SELECT `+stageColumns+`
		FROM wallet_adoption_stages WHERE wallet_id = ANY($1)`, walletIDs)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list wallets stages", err)
	}
	out, err := collectStages(rows)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list wallets stages", err)
	}
	return out, nil
}

// MarkAchieved writes newly achieved stages atomically. A row is only
// written while its achieved_at is still null; if any row was already
// achieved the whole write is rolled back with ErrStageAlreadyAchieved.
func (r *StageRepository) MarkAchieved(ctx context.Context, stages []*models.WalletAdoptionStage) error {
	if len(stages) == 0 {
		return nil
	}
	return r.db.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		for _, s := range stages {
			tag, err := tx.Exec(ctx, `
				INSERT INTO wallet_adoption_stages (`+stageColumns+`)
				VALUES ($1, $2, $3, $4, $5, NOW())
				ON CONFLICT (wallet_id, stage_name) DO UPDATE SET
					achieved_at = EXCLUDED.achieved_at,
					time_to_achieve_hours = EXCLUDED.time_to_achieve_hours,
					conversion_probability = EXCLUDED.conversion_probability,
					updated_at = NOW()
				WHERE wallet_adoption_stages.achieved_at IS NULL
			`, s.WalletID, string(s.StageName), s.AchievedAt, s.TimeToAchieveHours, s.ConversionProbability)
			if err != nil {
				return fmt.Errorf("failed to mark stage %s: %w", s.StageName, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: %s/%s", ErrStageAlreadyAchieved, s.WalletID, s.StageName)
			}
		}
		return nil
	})
}

// UpdateProbabilities refreshes the conversion probability of unachieved stages
func (r *StageRepository) UpdateProbabilities(ctx context.Context, walletID string, probs map[types.StageName]float64) error {
	if len(probs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for stage, p := range probs {
		batch.Queue(`
			UPDATE wallet_adoption_stages SET conversion_probability = $3, updated_at = NOW()
			WHERE wallet_id = $1 AND stage_name = $2 AND achieved_at IS NULL
		`, walletID, string(stage), p)
	}
	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return apperrors.NewDatabaseError("update stage probabilities", err)
	}
	return nil
}
