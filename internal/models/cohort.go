package models

import (
	"time"

	"github.com/wallet-insights/internal/types"
)

// WalletCohort groups wallets created within the same canonical period
type WalletCohort struct {
	ID           string           `json:"id" db:"id"`
	CohortType   types.CohortType `json:"cohortType" db:"cohort_type"`
	CohortPeriod time.Time        `json:"cohortPeriod" db:"cohort_period"`
	WalletCount  int64            `json:"walletCount" db:"wallet_count"`
	CreatedAt    time.Time        `json:"createdAt" db:"created_at"`
}

// WalletCohortAssignment links a wallet to exactly one cohort per type
type WalletCohortAssignment struct {
	WalletID   string           `json:"walletId" db:"wallet_id"`
	CohortID   string           `json:"cohortId" db:"cohort_id"`
	CohortType types.CohortType `json:"cohortType" db:"cohort_type"`
	AssignedAt time.Time        `json:"assignedAt" db:"assigned_at"`
}

// CohortRetentionPoint is the share of cohort members active in one week
// after the cohort period start
type CohortRetentionPoint struct {
	Week          int     `json:"week"`
	ActiveWallets int64   `json:"activeWallets"`
	RetentionRate float64 `json:"retentionRate"`
}

// CohortDetail is a cohort plus its weekly retention curve
type CohortDetail struct {
	Cohort    *WalletCohort          `json:"cohort"`
	Retention []CohortRetentionPoint `json:"retention"`
}

// CohortStatistics summarises cohort assignment coverage
type CohortStatistics struct {
	TotalCohorts      int64                      `json:"totalCohorts"`
	CohortsByType     map[types.CohortType]int64 `json:"cohortsByType"`
	AssignedWallets   int64                      `json:"assignedWallets"`
	UnassignedWallets int64                      `json:"unassignedWallets"`
	AvgCohortSize     float64                    `json:"avgCohortSize"`
	LargestCohort     *WalletCohort              `json:"largestCohort,omitempty"`
}
