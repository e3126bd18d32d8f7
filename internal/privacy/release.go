package privacy

import (
	"context"
	"time"

	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/models"
)

// Admitted is a wallet cleared for use in a view, with the level at which
// its wallet-level figures may be presented
type Admitted struct {
	Wallet *models.Wallet
	Level  AccessLevel
}

// Release is the set of wallets a reader may see. Views are computed only
// from a Release, and every wallet-level record leaves through Present.
type Release struct {
	accessor    Accessor
	admitted    []Admitted
	levels      map[string]AccessLevel
	excluded    int
	partial     bool
	grantExpiry *time.Time
}

// Admitted returns the wallets cleared for this reader
func (r *Release) Admitted() []Admitted { return r.admitted }

// Wallets returns the admitted wallets
func (r *Release) Wallets() []*models.Wallet {
	out := make([]*models.Wallet, len(r.admitted))
	for i, a := range r.admitted {
		out[i] = a.Wallet
	}
	return out
}

// WalletIDs returns the ids of admitted wallets
func (r *Release) WalletIDs() []string {
	out := make([]string, len(r.admitted))
	for i, a := range r.admitted {
		out[i] = a.Wallet.ID
	}
	return out
}

// Excluded is the number of wallets withheld from the reader
func (r *Release) Excluded() int { return r.excluded }

// Partial reports whether some wallets were withheld because their grant
// could not be checked
func (r *Release) Partial() bool { return r.partial }

// GrantExpiry is the earliest expiry among grants the release relied on
func (r *Release) GrantExpiry() *time.Time { return r.grantExpiry }

// Accessor returns the reader the release was built for
func (r *Release) Accessor() Accessor { return r.accessor }

// Present shapes one wallet-level record for the reader. Records for wallets
// outside the release are never returned.
func (r *Release) Present(walletID string, record Record) (Record, bool) {
	switch r.levels[walletID] {
	case AccessFull:
		return record, true
	case AccessAnonymized:
		return Anonymize(record), true
	default:
		return nil, false
	}
}

// ReleaseSet filters wallets for a reader. A failed grant lookup withholds
// the wallet and marks the release partial instead of failing the read.
func (s *Service) ReleaseSet(ctx context.Context, accessor Accessor, wallets []*models.Wallet) (*Release, error) {
	rel := &Release{
		accessor: accessor,
		admitted: make([]Admitted, 0, len(wallets)),
		levels:   make(map[string]AccessLevel, len(wallets)),
	}
	log := logging.FromContext(ctx)

	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decision, err := s.decide(ctx, accessor, w)
		if err != nil {
			log.ForWallet(w.ID).WithError(err).Warn("access check failed, withholding wallet")
			rel.excluded++
			rel.partial = true
			continue
		}
		if !decision.Allowed {
			rel.excluded++
			continue
		}
		rel.admitted = append(rel.admitted, Admitted{Wallet: w, Level: decision.Level})
		rel.levels[w.ID] = decision.Level
		if decision.GrantExpiresAt != nil && (rel.grantExpiry == nil || decision.GrantExpiresAt.Before(*rel.grantExpiry)) {
			exp := *decision.GrantExpiresAt
			rel.grantExpiry = &exp
		}
	}
	return rel, nil
}
