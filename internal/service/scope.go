package service

import (
	"context"

	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/privacy"
)

// Releaser filters wallets through the privacy rules for one reader
type Releaser interface {
	ReleaseSet(ctx context.Context, accessor privacy.Accessor, wallets []*models.Wallet) (*privacy.Release, error)
}

// projectScope resolves the wallets of a project that a reader may see.
// Every project-level read starts here.
type projectScope struct {
	wallets  WalletRegistry
	releaser Releaser
}

func (s projectScope) release(ctx context.Context, projectID string, accessor privacy.Accessor) (*privacy.Release, error) {
	wallets, err := s.wallets.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.releaser.ReleaseSet(ctx, accessor.OrOwner(projectID), wallets)
}
