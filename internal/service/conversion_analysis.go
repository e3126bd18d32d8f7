package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wallet-insights/internal/config"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/privacy"
	"github.com/wallet-insights/internal/types"
)

// Funnel health labels
const (
	HealthHealthy        = "healthy"
	HealthNeedsAttention = "needs_attention"
	HealthCritical       = "critical"

	healthyFunnelMin      = 70.0
	attentionFunnelMin    = 40.0
	highSeverityPenalty   = 5.0
	defaultRecommendation = "Funnel conversion is within expected ranges; keep monitoring weekly"
)

// ConversionOptions tunes a conversion analysis
type ConversionOptions struct {
	// MinSampleSize overrides the configured minimum for low-volume projects
	MinSampleSize int
	Accessor      privacy.Accessor
}

// StageConversion is the conversion between two adjacent funnel stages
type StageConversion struct {
	FromStage                types.StageName `json:"fromStage"`
	ToStage                  types.StageName `json:"toStage"`
	FromCount                int64           `json:"fromCount"`
	ToCount                  int64           `json:"toCount"`
	ConversionRate           float64         `json:"conversionRate"`
	DropOffRate              float64         `json:"dropOffRate"`
	WalletsDropped           int64           `json:"walletsDropped"`
	SampleSize               int64           `json:"sampleSize"`
	StatisticallySignificant bool            `json:"statisticallySignificant"`
}

// DropOff is a ranked stage transition loss
type DropOff struct {
	StageConversion
	Severity    types.Severity `json:"severity"`
	ImpactScore float64        `json:"impactScore"`
	Priority    int            `json:"priority"`
}

// Recommendation is a templated action for a drop-off
type Recommendation struct {
	Priority int             `json:"priority"`
	Stage    types.StageName `json:"stage"`
	Action   string          `json:"action"`
}

// ConversionReport is the full funnel analysis of a project
type ConversionReport struct {
	ProjectID       string            `json:"projectId"`
	TotalWallets    int64             `json:"totalWallets"`
	Conversions     []StageConversion `json:"conversions"`
	DropOffs        []DropOff         `json:"dropOffs"`
	FunnelHealth    float64           `json:"funnelHealth"`
	Status          string            `json:"status"`
	Recommendations []Recommendation  `json:"recommendations"`
	GeneratedAt     time.Time         `json:"generatedAt"`
	Stale           bool              `json:"stale"`
	Partial         bool              `json:"partial"`
}

// FunnelSource builds the adoption funnel over a set of wallets
type FunnelSource interface {
	FunnelFor(ctx context.Context, projectID string, walletIDs []string) (*models.ProjectFunnel, error)
}

var stageActions = map[types.StageName]string{
	types.StageFirstTx:      "Guide new wallets to a first transaction with onboarding prompts and a funded test payment",
	types.StageFeatureUsage: "Promote a second transaction type such as shielding or swaps after the first payment",
	types.StageRecurring:    "Encourage repeat usage with reminders and recurring payment features",
	types.StageHighValue:    "Offer incentives for larger or more frequent transfers to engaged wallets",
}

// ConversionsFromFunnel pairs adjacent funnel stages in order.
// conversion_rate is 0 when the earlier stage has no wallets.
func ConversionsFromFunnel(funnel *models.ProjectFunnel, minSample int) []StageConversion {
	out := make([]StageConversion, 0, len(funnel.Stages))
	for i := 0; i+1 < len(funnel.Stages); i++ {
		from, to := funnel.Stages[i], funnel.Stages[i+1]
		cr := round2(ratio(float64(to.WalletCount), float64(from.WalletCount)))
		dropped := from.WalletCount - to.WalletCount
		if dropped < 0 {
			dropped = 0
		}
		out = append(out, StageConversion{
			FromStage:                from.Stage,
			ToStage:                  to.Stage,
			FromCount:                from.WalletCount,
			ToCount:                  to.WalletCount,
			ConversionRate:           cr,
			DropOffRate:              100 - cr,
			WalletsDropped:           dropped,
			SampleSize:               from.WalletCount,
			StatisticallySignificant: from.WalletCount >= int64(minSample),
		})
	}
	return out
}

// SeverityFor classifies a drop-off rate
func SeverityFor(cfg config.AnalyticsConfig, dropOffRate float64) types.Severity {
	switch {
	case dropOffRate >= cfg.SeverityHighMin:
		return types.SeverityHigh
	case dropOffRate >= cfg.SeverityMediumMin:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func severityWeight(s types.Severity) float64 {
	switch s {
	case types.SeverityHigh:
		return 3
	case types.SeverityMedium:
		return 2
	default:
		return 1
	}
}

func severityPriority(s types.Severity) int {
	switch s {
	case types.SeverityHigh:
		return 1
	case types.SeverityMedium:
		return 2
	default:
		return 3
	}
}

// RankDropOffs classifies transitions and orders them by priority, then
// impact. Transitions below the sample minimum rank after every significant
// one, and a stage nobody reached loses no wallets, so it is low severity.
func RankDropOffs(cfg config.AnalyticsConfig, conversions []StageConversion) []DropOff {
	out := make([]DropOff, 0, len(conversions))
	for _, c := range conversions {
		sev := SeverityFor(cfg, c.DropOffRate)
		if c.FromCount == 0 {
			sev = types.SeverityLow
		}
		out = append(out, DropOff{
			StageConversion: c,
			Severity:        sev,
			ImpactScore:     round2(c.DropOffRate / 100 * float64(c.WalletsDropped) * severityWeight(sev)),
			Priority:        severityPriority(sev),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StatisticallySignificant != out[j].StatisticallySignificant {
			return out[i].StatisticallySignificant
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ImpactScore > out[j].ImpactScore
	})
	return out
}

// FunnelHealth scores the funnel from its average conversion over reached
// stages, penalising each significant high severity drop-off
func FunnelHealth(conversions []StageConversion, dropOffs []DropOff) (float64, string) {
	sum, reached := 0.0, 0
	for _, c := range conversions {
		if c.FromCount > 0 {
			sum += c.ConversionRate
			reached++
		}
	}
	if reached == 0 {
		return 0, HealthCritical
	}
	high := 0
	for _, d := range dropOffs {
		if d.Severity == types.SeverityHigh && d.StatisticallySignificant {
			high++
		}
	}
	score := round2(clamp(sum/float64(reached)-highSeverityPenalty*float64(high), 0, 100))
	switch {
	case score >= healthyFunnelMin:
		return score, HealthHealthy
	case score >= attentionFunnelMin:
		return score, HealthNeedsAttention
	default:
		return score, HealthCritical
	}
}

// Recommend emits one templated action per significant medium or high drop-off
func Recommend(dropOffs []DropOff) []Recommendation {
	var out []Recommendation
	for _, d := range dropOffs {
		if d.Severity == types.SeverityLow || !d.StatisticallySignificant {
			continue
		}
		out = append(out, Recommendation{
			Priority: d.Priority,
			Stage:    d.ToStage,
			Action: fmt.Sprintf("[%s] %s to %s loses %.1f%% (%d wallets). %s",
				strings.ToUpper(string(d.Severity)), d.FromStage, d.ToStage,
				d.DropOffRate, d.WalletsDropped, stageActions[d.ToStage]),
		})
	}
	if len(out) == 0 {
		out = append(out, Recommendation{Priority: 3, Action: defaultRecommendation})
	}
	return out
}

// ConversionAnalysisService computes stage conversion, drop-offs and funnel health
type ConversionAnalysisService struct {
	cfg    config.AnalyticsConfig
	scope  projectScope
	funnel FunnelSource
	now    func() time.Time
}

// NewConversionAnalysisService creates a conversion analysis service
func NewConversionAnalysisService(cfg config.AnalyticsConfig, wallets WalletRegistry, releaser Releaser, funnel FunnelSource) *ConversionAnalysisService {
	return &ConversionAnalysisService{
		cfg:    cfg,
		scope:  projectScope{wallets: wallets, releaser: releaser},
		funnel: funnel,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *ConversionAnalysisService) load(ctx context.Context, projectID string, opts ConversionOptions) ([]StageConversion, *models.ProjectFunnel, bool, error) {
	rel, err := s.scope.release(ctx, projectID, opts.Accessor)
	if err != nil {
		return nil, nil, false, err
	}
	funnel, err := s.funnel.FunnelFor(ctx, projectID, rel.WalletIDs())
	if err != nil {
		return nil, nil, false, err
	}
	minSample := s.cfg.MinSampleSize
	if opts.MinSampleSize > 0 {
		minSample = opts.MinSampleSize
	}
	return ConversionsFromFunnel(funnel, minSample), funnel, rel.Partial(), nil
}

// CalculateConversions returns conversion between each adjacent stage pair
func (s *ConversionAnalysisService) CalculateConversions(ctx context.Context, projectID string, opts ConversionOptions) ([]StageConversion, error) {
	conv, _, _, err := s.load(ctx, projectID, opts)
	return conv, err
}

// IdentifyDropoffs ranks the funnel's transitions by severity and impact
func (s *ConversionAnalysisService) IdentifyDropoffs(ctx context.Context, projectID string, opts ConversionOptions) ([]DropOff, error) {
	conv, _, _, err := s.load(ctx, projectID, opts)
	if err != nil {
		return nil, err
	}
	return RankDropOffs(s.cfg, conv), nil
}

// GenerateReport combines conversions, drop-offs, health and recommendations
func (s *ConversionAnalysisService) GenerateReport(ctx context.Context, projectID string, opts ConversionOptions) (*ConversionReport, error) {
	conv, funnel, partial, err := s.load(ctx, projectID, opts)
	if err != nil {
		return nil, err
	}
	return BuildConversionReport(s.cfg, funnel, conv, s.now(), partial), nil
}

// BuildConversionReport assembles a report from computed conversions
func BuildConversionReport(cfg config.AnalyticsConfig, funnel *models.ProjectFunnel, conv []StageConversion, now time.Time, partial bool) *ConversionReport {
	drops := RankDropOffs(cfg, conv)
	health, status := FunnelHealth(conv, drops)
	return &ConversionReport{
		ProjectID:       funnel.ProjectID,
		TotalWallets:    funnel.TotalWallets,
		Conversions:     conv,
		DropOffs:        drops,
		FunnelHealth:    health,
		Status:          status,
		Recommendations: Recommend(drops),
		GeneratedAt:     now,
		Partial:         partial,
	}
}
