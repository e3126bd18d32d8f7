package models

import (
	"time"

	"github.com/wallet-insights/internal/types"
)

// PrivacyPreference records a wallet's current privacy mode
type PrivacyPreference struct {
	WalletID    string            `json:"walletId" db:"wallet_id"`
	Mode        types.PrivacyMode `json:"mode" db:"mode"`
	EffectiveAt time.Time         `json:"effectiveAt" db:"effective_at"`
}

// DataAccessGrant authorises a buyer to read a wallet's or a project's
// metrics for a bounded interval. Exactly one of WalletID and ProjectID is set.
type DataAccessGrant struct {
	ID        string     `json:"id" db:"id"`
	BuyerID   string     `json:"buyerId" db:"buyer_id"`
	WalletID  *string    `json:"walletId,omitempty" db:"wallet_id"`
	ProjectID *string    `json:"projectId,omitempty" db:"project_id"`
	GrantedAt time.Time  `json:"grantedAt" db:"granted_at"`
	ExpiresAt time.Time  `json:"expiresAt" db:"expires_at"`
	RevokedAt *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
}

// ActiveAt reports whether the grant covers the given instant
func (g *DataAccessGrant) ActiveAt(at time.Time) bool {
	if g.RevokedAt != nil && !at.Before(*g.RevokedAt) {
		return false
	}
	return !at.Before(g.GrantedAt) && at.Before(g.ExpiresAt)
}
