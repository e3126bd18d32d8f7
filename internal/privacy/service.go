package privacy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/types"
)

// AccessLevel is how much of a wallet's data a reader may see
type AccessLevel string

const (
	AccessDenied     AccessLevel = "denied"
	AccessAnonymized AccessLevel = "anonymized"
	AccessFull       AccessLevel = "full"
)

// Store persists privacy preferences and access grants
type Store interface {
	SetMode(ctx context.Context, pref *models.PrivacyPreference) error
	CreateGrant(ctx context.Context, g *models.DataAccessGrant) error
	RevokeGrant(ctx context.Context, grantID, projectID string, at time.Time) error
	FindActiveGrant(ctx context.Context, buyerID, walletID, projectID string, at time.Time) (*models.DataAccessGrant, error)
}

// WalletReader resolves wallets from the registry
type WalletReader interface {
	GetByID(ctx context.Context, id string) (*models.Wallet, error)
}

// Invalidator drops cached views that may contain a project's wallet data
type Invalidator interface {
	InvalidateProject(ctx context.Context, projectID string) error
}

// Accessor identifies who is reading. Owners read their own project's wallets
// in full; buyers are subject to each wallet's privacy mode.
type Accessor struct {
	projectID string
	buyerID   string
}

// Owner is the owning project's authenticated context
func Owner(projectID string) Accessor {
	return Accessor{projectID: projectID}
}

// Buyer is an external reader identified by buyer id
func Buyer(buyerID string) Accessor {
	return Accessor{buyerID: buyerID}
}

// IsZero reports whether no reader was identified
func (a Accessor) IsZero() bool {
	return a.projectID == "" && a.buyerID == ""
}

// OrOwner returns a, or the owning context of projectID when a is unset
func (a Accessor) OrOwner(projectID string) Accessor {
	if a.IsZero() {
		return Owner(projectID)
	}
	return a
}

// IsOwnerOf reports whether the accessor is the owning context of a project
func (a Accessor) IsOwnerOf(projectID string) bool {
	return a.buyerID == "" && a.projectID != "" && a.projectID == projectID
}

// CacheKey identifies the accessor in cache keys
func (a Accessor) CacheKey() string {
	if a.buyerID != "" {
		return "buyer:" + a.buyerID
	}
	return "owner"
}

// AccessDecision is the outcome of an access check
type AccessDecision struct {
	Allowed        bool        `json:"allowed"`
	Level          AccessLevel `json:"level"`
	Reason         string      `json:"reason"`
	GrantExpiresAt *time.Time  `json:"grantExpiresAt,omitempty"`
}

// TransitionResult is the outcome of validating a privacy mode change
type TransitionResult struct {
	Valid         bool   `json:"valid"`
	RequiresSetup bool   `json:"requiresSetup"`
	Reason        string `json:"reason"`
}

// Service enforces privacy modes on every outward read
type Service struct {
	store       Store
	wallets     WalletReader
	invalidator Invalidator
	now         func() time.Time
}

// NewService creates a privacy service. invalidator may be nil.
func NewService(store Store, wallets WalletReader, invalidator Invalidator) *Service {
	return &Service{
		store:       store,
		wallets:     wallets,
		invalidator: invalidator,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ValidateTransition checks a mode change before anything is written
func ValidateTransition(from, to types.PrivacyMode) TransitionResult {
	switch {
	case !from.IsValid():
		return TransitionResult{Reason: fmt.Sprintf("unknown current mode %q", from)}
	case !to.IsValid():
		return TransitionResult{Reason: fmt.Sprintf("unknown target mode %q", to)}
	case from == to:
		return TransitionResult{Valid: true, Reason: "mode unchanged"}
	case to == types.PrivacyMonetizable:
		return TransitionResult{
			Valid:         true,
			RequiresSetup: true,
			Reason:        "monetizable mode requires payout and anonymization setup",
		}
	default:
		return TransitionResult{Valid: true, Reason: fmt.Sprintf("%s to %s", from, to)}
	}
}

// ChangeMode validates and persists a wallet's new privacy mode. A move to
// monetizable only takes effect once setupConfirmed is set by the caller.
func (s *Service) ChangeMode(ctx context.Context, walletID string, to types.PrivacyMode, setupConfirmed bool) (*models.PrivacyPreference, error) {
	wallet, err := s.wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}

	result := ValidateTransition(wallet.PrivacyMode, to)
	if !result.Valid {
		return nil, apperrors.NewInvalidTransitionError(wallet.PrivacyMode, to, result.Reason)
	}
	if result.RequiresSetup && !setupConfirmed {
		return nil, apperrors.NewInvalidTransitionError(wallet.PrivacyMode, to, result.Reason)
	}

	pref := &models.PrivacyPreference{
		WalletID:    walletID,
		Mode:        to,
		EffectiveAt: s.now(),
	}
	if err := s.store.SetMode(ctx, pref); err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx).ForWallet(walletID)
	log.WithFields(map[string]interface{}{
		"from": string(wallet.PrivacyMode),
		"to":   string(to),
	}).Info("privacy mode changed")

	if s.invalidator != nil {
		if err := s.invalidator.InvalidateProject(ctx, wallet.ProjectID); err != nil {
			log.WithError(err).Warn("failed to invalidate cached dashboards after privacy change")
		}
	}
	return pref, nil
}

// CheckAccess decides what a buyer may read about one wallet
func (s *Service) CheckAccess(ctx context.Context, buyerID, walletID string) (*AccessDecision, error) {
	wallet, err := s.wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return s.decide(ctx, Buyer(buyerID), wallet)
}

func (s *Service) decide(ctx context.Context, accessor Accessor, wallet *models.Wallet) (*AccessDecision, error) {
	if accessor.IsOwnerOf(wallet.ProjectID) {
		return &AccessDecision{Allowed: true, Level: AccessFull, Reason: "owning project"}, nil
	}

	switch wallet.PrivacyMode {
	case types.PrivacyPublic:
		return &AccessDecision{Allowed: true, Level: AccessAnonymized, Reason: "public wallet, anonymized metrics only"}, nil

	case types.PrivacyMonetizable:
		if accessor.buyerID == "" {
			return &AccessDecision{Level: AccessDenied, Reason: "monetizable wallet requires a buyer grant"}, nil
		}
		grant, err := s.store.FindActiveGrant(ctx, accessor.buyerID, wallet.ID, wallet.ProjectID, s.now())
		if err != nil {
			return nil, apperrors.NewUpstreamUnavailableError("grants", err)
		}
		if grant == nil || !grant.ActiveAt(s.now()) {
			return &AccessDecision{Level: AccessDenied, Reason: "no active data access grant"}, nil
		}
		expires := grant.ExpiresAt
		return &AccessDecision{
			Allowed:        true,
			Level:          AccessFull,
			Reason:         "active data access grant",
			GrantExpiresAt: &expires,
		}, nil

	default:
		return &AccessDecision{Level: AccessDenied, Reason: "private wallet"}, nil
	}
}

// CreateGrant records a time-bounded grant for a buyer on a wallet or a
// whole project. Exactly one of walletID and projectID must be set.
func (s *Service) CreateGrant(ctx context.Context, buyerID, walletID, projectID string, duration time.Duration) (*models.DataAccessGrant, error) {
	if buyerID == "" {
		return nil, apperrors.NewInvalidParameterError("buyerId", "required")
	}
	if (walletID == "") == (projectID == "") {
		return nil, apperrors.NewInvalidParameterError("scope", "exactly one of walletId and projectId is required")
	}
	if duration <= 0 {
		return nil, apperrors.NewInvalidParameterError("duration", "must be positive")
	}

	now := s.now()
	g := &models.DataAccessGrant{
		ID:        uuid.New().String(),
		BuyerID:   buyerID,
		GrantedAt: now,
		ExpiresAt: now.Add(duration),
	}
	if walletID != "" {
		if _, err := s.wallets.GetByID(ctx, walletID); err != nil {
			return nil, err
		}
		g.WalletID = &walletID
	} else {
		g.ProjectID = &projectID
	}

	if err := s.store.CreateGrant(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// RevokeGrant ends a grant immediately. Only grants on projectID or on one
// of its wallets are revocable through it.
func (s *Service) RevokeGrant(ctx context.Context, grantID, projectID string) error {
	if grantID == "" || projectID == "" {
		return apperrors.NewInvalidParameterError("grant", "grant and project ids are required")
	}
	return s.store.RevokeGrant(ctx, grantID, projectID, s.now())
}
