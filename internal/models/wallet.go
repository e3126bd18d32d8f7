package models

import (
	"time"

	"github.com/wallet-insights/internal/types"
)

// Wallet is a project-owned wallet whose behaviour is analysed
type Wallet struct {
	ID          string            `json:"id" db:"id"`
	ProjectID   string            `json:"projectId" db:"project_id"`
	UserID      *string           `json:"userId,omitempty" db:"user_id"`
	Address     string            `json:"address" db:"address"`
	PrivacyMode types.PrivacyMode `json:"privacyMode" db:"privacy_mode"`
	CreatedAt   time.Time         `json:"createdAt" db:"created_at"`
	// Activity-derived denormalized fields
	TotalTransactions int64      `json:"totalTransactions" db:"total_transactions"`
	LastActivityAt    *time.Time `json:"lastActivityAt,omitempty" db:"last_activity_at"`
}

// AgeDays returns the wallet age in fractional days at the given instant
func (w *Wallet) AgeDays(at time.Time) float64 {
	d := at.Sub(w.CreatedAt).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}
