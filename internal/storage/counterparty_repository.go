package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/types"
)

// CounterpartyRepository stores known address classifications
type CounterpartyRepository struct {
	db *PostgresDB
}

// NewCounterpartyRepository creates a new counterparty label repository
func NewCounterpartyRepository(db *PostgresDB) *CounterpartyRepository {
	return &CounterpartyRepository{db: db}
}

// Lookup returns the stored classification of an address
func (r *CounterpartyRepository) Lookup(ctx context.Context, address string) (types.CounterpartyType, bool, error) {
	var ct string
	err := r.db.Pool().QueryRow(ctx, `SELECT counterparty_type FROM counterparty_labels WHERE address = $1`, address).Scan(&ct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.CounterpartyUnknown, false, nil
		}
		return types.CounterpartyUnknown, false, apperrors.NewDatabaseError("lookup counterparty", err)
	}
	return types.CounterpartyType(ct), true, nil
}

// Upsert stores or replaces the classification of an address
func (r *CounterpartyRepository) Upsert(ctx context.Context, address string, ct types.CounterpartyType, label string) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO counterparty_labels (address, counterparty_type, label, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (address) DO UPDATE SET
			counterparty_type = EXCLUDED.counterparty_type,
			label = EXCLUDED.label,
			updated_at = NOW()
	`, address, string(ct), label)
	if err != nil {
		return apperrors.NewDatabaseError("upsert counterparty", err)
	}
	return nil
}
