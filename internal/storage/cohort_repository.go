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

// CohortRepository persists cohorts and wallet assignments
type CohortRepository struct {
	db *PostgresDB
}

// NewCohortRepository creates a new cohort repository
func NewCohortRepository(db *PostgresDB) *CohortRepository {
	return &CohortRepository{db: db}
}

const cohortColumns = `id, cohort_type, cohort_period, wallet_count, created_at`

func scanCohort(row pgx.Row) (*models.WalletCohort, error) {
	var c models.WalletCohort
	var ct string
	if err := row.Scan(&c.ID, &ct, &c.CohortPeriod, &c.WalletCount, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.CohortType = types.CohortType(ct)
	c.CohortPeriod = models.UTCDate(c.CohortPeriod)
	return &c, nil
}

func getOrCreateCohort(ctx context.Context, tx pgx.Tx, cohortType types.CohortType, period time.Time) (*models.WalletCohort, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallet_cohorts (id, cohort_type, cohort_period, wallet_count, created_at)
		VALUES ($1, $2, $3, 0, NOW())
		ON CONFLICT (cohort_type, cohort_period) DO NOTHING
	`, uuid.NewString(), string(cohortType), period); err != nil {
		return nil, fmt.Errorf("failed to create cohort: %w", err)
	}
	c, err := scanCohort(tx.QueryRow(ctx, `SELECT `+cohortColumns+`
		FROM wallet_cohorts WHERE cohort_type = $1 AND cohort_period = $2`, string(cohortType), period))
	if err != nil {
		return nil, fmt.Errorf("failed to load cohort: %w", err)
	}
	return c, nil
}

// EnsureCohort returns the cohort for (type, period), creating it when missing
func (r *CohortRepository) EnsureCohort(ctx context.Context, cohortType types.CohortType, period time.Time) (*models.WalletCohort, bool, error) {
	var cohort *models.WalletCohort
	created := false
	err := r.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallet_cohorts WHERE cohort_type = $1 AND cohort_period = $2)`,
			string(cohortType), period).Scan(&exists); err != nil {
			return err
		}
		c, err := getOrCreateCohort(ctx, tx, cohortType, period)
		if err != nil {
			return err
		}
		cohort, created = c, !exists
		return nil
	})
	if err != nil {
		return nil, false, apperrors.NewDatabaseError("ensure cohort", err)
	}
	return cohort, created, nil
}

// AssignWallet assigns a wallet to the cohort of (type, period) exactly once.
// The cohort is created on first need and its wallet_count incremented only
// when the assignment is new. Returns the cohort and whether a new
// assignment was written.
func (r *CohortRepository) AssignWallet(ctx context.Context, walletID string, cohortType types.CohortType, period time.Time) (*models.WalletCohort, bool, error) {
	var cohort *models.WalletCohort
	assigned := false

	err := r.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		assigned = false
		c, err := getOrCreateCohort(ctx, tx, cohortType, period)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO wallet_cohort_assignments (wallet_id, cohort_id, cohort_type, assigned_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (wallet_id, cohort_type) DO NOTHING
		`, walletID, c.ID, string(cohortType))
		if err != nil {
			return fmt.Errorf("failed to assign wallet: %w", err)
		}

		if tag.RowsAffected() == 1 {
			if err := tx.QueryRow(ctx, `
				UPDATE wallet_cohorts SET wallet_count = wallet_count + 1 WHERE id = $1 RETURNING wallet_count
			`, c.ID).Scan(&c.WalletCount); err != nil {
				return fmt.Errorf("failed to increment cohort count: %w", err)
			}
			assigned = true
		}
		cohort = c
		return nil
	})
	if err != nil {
		return nil, false, apperrors.NewDatabaseError("assign wallet to cohort", err)
	}
	return cohort, assigned, nil
}

// GetByID retrieves a cohort by ID
func (r *CohortRepository) GetByID(ctx context.Context, id string) (*models.WalletCohort, error) {
	c, err := scanCohort(r.db.Pool().QueryRow(ctx, `SELECT `+cohortColumns+` FROM wallet_cohorts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("cohort", id)
		}
		return nil, apperrors.NewDatabaseError("get cohort", err)
	}
	return c, nil
}

// List returns the most recent cohorts of a type, newest first. An empty
// type lists all types.
func (r *CohortRepository) List(ctx context.Context, cohortType types.CohortType, limit int) ([]*models.WalletCohort, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+cohortColumns+` FROM wallet_cohorts
		WHERE ($1 = '' OR cohort_type = $1)
		ORDER BY cohort_period DESC, cohort_type
		LIMIT $2`, string(cohortType), limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list cohorts", err)
	}
	defer rows.Close()

	var cohorts []*models.WalletCohort
	for rows.Next() {
		c, err := scanCohort(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan cohort", err)
		}
		cohorts = append(cohorts, c)
	}
	return cohorts, rows.Err()
}

// WeeklyActiveMembers counts members active in each week since the cohort
// period start, for weeks 0..maxWeeks
func (r *CohortRepository) WeeklyActiveMembers(ctx context.Context, cohortID string, maxWeeks int) (map[int]int64, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT ((m.activity_date - c.cohort_period) / 7) AS week, COUNT(DISTINCT m.wallet_id)
		FROM wallet_cohort_assignments a
		JOIN wallet_cohorts c ON c.id = a.cohort_id
		JOIN wallet_activity_metrics m ON m.wallet_id = a.wallet_id
		WHERE a.cohort_id = $1
		  AND m.is_active
		  AND m.activity_date >= c.cohort_period
		  AND (m.activity_date - c.cohort_period) / 7 <= $2
		GROUP BY week
		ORDER BY week
	`, cohortID, maxWeeks)
	if err != nil {
		return nil, apperrors.NewDatabaseError("cohort retention", err)
	}
	defer rows.Close()

	out := make(map[int]int64)
	for rows.Next() {
		var week int
		var n int64
		if err := rows.Scan(&week, &n); err != nil {
			return nil, apperrors.NewDatabaseError("scan cohort retention", err)
		}
		out[week] = n
	}
	return out, rows.Err()
}

// Statistics summarises cohorts and assignment coverage
func (r *CohortRepository) Statistics(ctx context.Context) (*models.CohortStatistics, error) {
	stats := &models.CohortStatistics{CohortsByType: make(map[types.CohortType]int64)}
	pool := r.db.Pool()

	rows, err := pool.Query(ctx, `SELECT cohort_type, COUNT(*), COALESCE(SUM(wallet_count), 0) FROM wallet_cohorts GROUP BY cohort_type`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("cohort statistics", err)
	}
	var totalMembers int64
	for rows.Next() {
		var ct string
		var n, members int64
		if err := rows.Scan(&ct, &n, &members); err != nil {
			rows.Close()
			return nil, apperrors.NewDatabaseError("scan cohort statistics", err)
		}
		stats.CohortsByType[types.CohortType(ct)] = n
		stats.TotalCohorts += n
		totalMembers += members
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("cohort statistics", err)
	}
	if stats.TotalCohorts > 0 {
		stats.AvgCohortSize = float64(totalMembers) / float64(stats.TotalCohorts)
	}

	if err := pool.QueryRow(ctx, `SELECT COUNT(DISTINCT wallet_id) FROM wallet_cohort_assignments`).Scan(&stats.AssignedWallets); err != nil {
		return nil, apperrors.NewDatabaseError("count assigned wallets", err)
	}
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM wallets w
		WHERE (SELECT COUNT(*) FROM wallet_cohort_assignments a WHERE a.wallet_id = w.id) < $1
	`, len(types.CohortTypes)).Scan(&stats.UnassignedWallets); err != nil {
		return nil, apperrors.NewDatabaseError("count unassigned wallets", err)
	}

	largest, err := scanCohort(pool.QueryRow(ctx, `SELECT `+cohortColumns+` FROM wallet_cohorts ORDER BY wallet_count DESC, cohort_period DESC LIMIT 1`))
	switch {
	case err == nil:
		stats.LargestCohort = largest
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, apperrors.NewDatabaseError("largest cohort", err)
	}

	return stats, nil
}
