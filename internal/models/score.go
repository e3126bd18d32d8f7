package models

import (
	"time"

	"github.com/wallet-insights/internal/types"
)

// ProductivityScore is the latest composite productivity score for a wallet
type ProductivityScore struct {
	WalletID       string            `json:"walletId" db:"wallet_id"`
	RetentionScore float64           `json:"retentionScore" db:"retention_score"`
	AdoptionScore  float64           `json:"adoptionScore" db:"adoption_score"`
	ActivityScore  float64           `json:"activityScore" db:"activity_score"`
	DiversityScore float64           `json:"diversityScore" db:"diversity_score"`
	TotalScore     float64           `json:"totalScore" db:"total_score"`
	Status         types.ScoreStatus `json:"status" db:"status"`
	RiskLevel      types.RiskLevel   `json:"riskLevel" db:"risk_level"`
	CalculatedAt   time.Time         `json:"calculatedAt" db:"calculated_at"`
}

// ProductivitySummary aggregates the latest scores of a project's wallets
type ProductivitySummary struct {
	ProjectID         string                      `json:"projectId"`
	WalletCount       int64                       `json:"walletCount"`
	AvgTotalScore     float64                     `json:"avgTotalScore"`
	AvgRetention      float64                     `json:"avgRetentionScore"`
	AvgAdoption       float64                     `json:"avgAdoptionScore"`
	AvgActivity       float64                     `json:"avgActivityScore"`
	AvgDiversity      float64                     `json:"avgDiversityScore"`
	StatusCounts      map[types.ScoreStatus]int64 `json:"statusCounts"`
	RiskCounts        map[types.RiskLevel]int64   `json:"riskCounts"`
	ExcludedByPrivacy int64                       `json:"excludedByPrivacy"`
}
