package models

import (
	"time"

	"github.com/wallet-insights/internal/types"
)

// WalletAdoptionStage is one funnel stage row for a wallet. A nil AchievedAt
// means the stage has not been reached yet.
type WalletAdoptionStage struct {
	WalletID              string          `json:"walletId" db:"wallet_id"`
	StageName             types.StageName `json:"stageName" db:"stage_name"`
	AchievedAt            *time.Time      `json:"achievedAt,omitempty" db:"achieved_at"`
	TimeToAchieveHours    *float64        `json:"timeToAchieveHours,omitempty" db:"time_to_achieve_hours"`
	ConversionProbability float64         `json:"conversionProbability" db:"conversion_probability"`
	UpdatedAt             time.Time       `json:"updatedAt" db:"updated_at"`
}

// Achieved reports whether the stage has been reached
func (s *WalletAdoptionStage) Achieved() bool {
	return s.AchievedAt != nil
}

// StageStatus is the adoption status of one wallet
type StageStatus struct {
	WalletID          string                 `json:"walletId"`
	CurrentStage      types.StageName        `json:"currentStage"`
	NextStage         *types.StageName       `json:"nextStage,omitempty"`
	ProgressPercent   float64                `json:"progressPercent"`
	NextStageProgress float64                `json:"nextStageProgress"`
	Stages            []*WalletAdoptionStage `json:"stages"`
}

// FunnelStage is the project-level count for one funnel stage
type FunnelStage struct {
	Stage              types.StageName `json:"stage"`
	WalletCount        int64           `json:"walletCount"`
	RateFromPrevious   float64         `json:"rateFromPrevious"`
	RateFromStart      float64         `json:"rateFromStart"`
	AvgTimeToAchieveHr *float64        `json:"avgTimeToAchieveHours,omitempty"`
}

// ProjectFunnel is the per-stage adoption funnel for a project
type ProjectFunnel struct {
	ProjectID    string        `json:"projectId"`
	TotalWallets int64         `json:"totalWallets"`
	Stages       []FunnelStage `json:"stages"`
}

// StageCount is a stage with its achieved wallet count and mean time to achieve
type StageCount struct {
	Stage          types.StageName
	Achieved       int64
	AvgHoursToHere *float64
}
