package service

import (
	"context"
	"math"
	"time"

	"github.com/wallet-insights/internal/config"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/metrics"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/types"
)

// ScoreStore persists the latest productivity score per wallet
type ScoreStore interface {
	Upsert(ctx context.Context, s *models.ProductivityScore) error
	GetByWallet(ctx context.Context, walletID string) (*models.ProductivityScore, error)
	ListByWallets(ctx context.Context, walletIDs []string) (map[string]*models.ProductivityScore, error)
}

// stageWeights is the adoption sub-score contribution of each achieved stage
var stageWeights = map[types.StageName]float64{
	types.StageFirstTx:      10,
	types.StageFeatureUsage: 20,
	types.StageRecurring:    30,
	types.StageHighValue:    40,
}

const (
	recencyWindowDays  = 30.0
	frequencyWindowDay = 30.0
)

// ScoreInputs is everything a wallet's score is computed from
type ScoreInputs struct {
	Wallet   *models.Wallet
	Stages   []*models.WalletAdoptionStage
	Activity []*models.WalletActivityMetric
}

// ComputeScore is the pure scoring function. All sub-scores are clamped to
// [0,100] and the total is their weighted sum under cfg.
func ComputeScore(cfg config.AnalyticsConfig, in ScoreInputs, now time.Time) *models.ProductivityScore {
	snap := models.SnapshotFrom(in.Wallet.ID, in.Activity)

	s := &models.ProductivityScore{
		WalletID:       in.Wallet.ID,
		RetentionScore: round2(retentionScore(in.Wallet, snap, now)),
		AdoptionScore:  round2(adoptionScore(in.Stages)),
		ActivityScore:  round2(activityScore(cfg, snap)),
		DiversityScore: round2(diversityScore(cfg, snap)),
		CalculatedAt:   now,
	}
	s.TotalScore = clamp(
		cfg.RetentionWeight*s.RetentionScore+
			cfg.AdoptionWeight*s.AdoptionScore+
			cfg.ActivityWeight*s.ActivityScore+
			cfg.DiversityWeight*s.DiversityScore,
		0, 100)
	s.Status = ScoreStatusFor(cfg, s.TotalScore)
	s.RiskLevel = RiskLevelFor(cfg, s.TotalScore)
	return s
}

// retentionScore mixes recency of the last active day with the share of
// days the wallet was active over its age, capped to a 30 day window
func retentionScore(w *models.Wallet, snap *models.ActivitySnapshot, now time.Time) float64 {
	if snap.LastTxAt == nil {
		return 0
	}
	idleDays := now.Sub(*snap.LastTxAt).Hours() / 24
	recency := 100 * clamp(1-idleDays/recencyWindowDays, 0, 1)

	window := math.Min(math.Max(w.AgeDays(now), 1), frequencyWindowDay)
	frequency := 100 * clamp(float64(snap.ActiveDays)/window, 0, 1)

	return clamp(0.6*recency+0.4*frequency, 0, 100)
}

func adoptionScore(stages []*models.WalletAdoptionStage) float64 {
	total := 0.0
	for _, s := range stages {
		if s.Achieved() {
			total += stageWeights[s.StageName]
		}
	}
	return clamp(total, 0, 100)
}

func activityScore(cfg config.AnalyticsConfig, snap *models.ActivitySnapshot) float64 {
	count := math.Min(1, float64(snap.TotalTransactions)/float64(cfg.BaselineTxCount))
	volume := math.Min(1, float64(snap.TotalVolume)/float64(cfg.BaselineVolumeZatoshi))
	return clamp(50*count+50*volume, 0, 100)
}

func diversityScore(cfg config.AnalyticsConfig, snap *models.ActivitySnapshot) float64 {
	return clamp(100*float64(snap.UniqueTxTypes)/float64(cfg.DiversityTarget), 0, 100)
}

// ScoreStatusFor maps a total score to its health status
func ScoreStatusFor(cfg config.AnalyticsConfig, total float64) types.ScoreStatus {
	switch {
	case total >= cfg.HealthyThreshold:
		return types.StatusHealthy
	case total < cfg.ChurnThreshold:
		return types.StatusChurn
	default:
		return types.StatusAtRisk
	}
}

// RiskLevelFor buckets a total score for display
func RiskLevelFor(cfg config.AnalyticsConfig, total float64) types.RiskLevel {
	switch {
	case total >= cfg.RiskLowMin:
		return types.RiskLow
	case total >= cfg.RiskMediumMin:
		return types.RiskMedium
	default:
		return types.RiskHigh
	}
}

// ProductivityScorer computes and stores wallet productivity scores
type ProductivityScorer struct {
	cfg      config.AnalyticsConfig
	scores   ScoreStore
	wallets  WalletRegistry
	stages   StageStore
	activity ActivityReader
	now      func() time.Time
}

// NewProductivityScorer creates a scorer
func NewProductivityScorer(cfg config.AnalyticsConfig, scores ScoreStore, wallets WalletRegistry, stages StageStore, activity ActivityReader) *ProductivityScorer {
	return &ProductivityScorer{
		cfg:      cfg,
		scores:   scores,
		wallets:  wallets,
		stages:   stages,
		activity: activity,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Recompute scores one wallet and overwrites its stored score
func (p *ProductivityScorer) Recompute(ctx context.Context, walletID string) (*models.ProductivityScore, error) {
	w, err := p.wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	stages, err := p.stages.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	activity, err := p.activity.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	score := ComputeScore(p.cfg, ScoreInputs{Wallet: w, Stages: stages, Activity: activity}, p.now())
	if err := p.scores.Upsert(ctx, score); err != nil {
		return nil, err
	}
	return score, nil
}

// RecomputeProject rescores every wallet in a project, reporting per-wallet outcomes
func (p *ProductivityScorer) RecomputeProject(ctx context.Context, projectID string) (*types.BatchResult, error) {
	wallets, err := p.wallets.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ids := walletIDs(wallets)
	stages, err := p.stages.ListByWallets(ctx, ids)
	if err != nil {
		return nil, err
	}
	activity, err := p.activity.ListByWallets(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := types.NewBatchResult("recompute_scores")
	now := p.now()
	log := logging.FromContext(ctx).ForProject(projectID)
	for _, w := range wallets {
		score := ComputeScore(p.cfg, ScoreInputs{Wallet: w, Stages: stages[w.ID], Activity: activity[w.ID]}, now)
		item := types.BatchItem{ID: w.ID, Status: types.ItemSuccess, Detail: string(score.Status)}
		if err := p.scores.Upsert(ctx, score); err != nil {
			item.Status, item.Detail, item.Error = types.ItemFailed, "", err.Error()
			log.ForWallet(w.ID).WithError(err).Warn("failed to store productivity score")
		}
		result.Record(item)
		metrics.RecordBatchItem(result.Operation, string(item.Status))
	}
	log.Infof("recomputed scores: %d succeeded, %d failed", result.Succeeded, result.Failed)
	return result.Finish(), nil
}

// SummaryFor averages stored scores over a set of wallets. Wallets without
// a stored score are scored on the fly without being persisted.
func (p *ProductivityScorer) SummaryFor(ctx context.Context, projectID string, wallets []*models.Wallet) (*models.ProductivitySummary, error) {
	ids := walletIDs(wallets)
	stored, err := p.scores.ListByWallets(ctx, ids)
	if err != nil {
		return nil, err
	}

	var missing []*models.Wallet
	for _, w := range wallets {
		if _, ok := stored[w.ID]; !ok {
			missing = append(missing, w)
		}
	}
	if len(missing) > 0 {
		mids := walletIDs(missing)
		stages, err := p.stages.ListByWallets(ctx, mids)
		if err != nil {
			return nil, err
		}
		activity, err := p.activity.ListByWallets(ctx, mids)
		if err != nil {
			return nil, err
		}
		now := p.now()
		for _, w := range missing {
			stored[w.ID] = ComputeScore(p.cfg, ScoreInputs{Wallet: w, Stages: stages[w.ID], Activity: activity[w.ID]}, now)
		}
	}

	summary := &models.ProductivitySummary{
		ProjectID:    projectID,
		StatusCounts: make(map[types.ScoreStatus]int64),
		RiskCounts:   make(map[types.RiskLevel]int64),
	}
	for _, w := range wallets {
		s := stored[w.ID]
		summary.WalletCount++
		summary.AvgTotalScore += s.TotalScore
		summary.AvgRetention += s.RetentionScore
		summary.AvgAdoption += s.AdoptionScore
		summary.AvgActivity += s.ActivityScore
		summary.AvgDiversity += s.DiversityScore
		summary.StatusCounts[s.Status]++
		summary.RiskCounts[s.RiskLevel]++
	}
	if n := float64(summary.WalletCount); n > 0 {
		summary.AvgTotalScore = round2(summary.AvgTotalScore / n)
		summary.AvgRetention = round2(summary.AvgRetention / n)
		summary.AvgAdoption = round2(summary.AvgAdoption / n)
		summary.AvgActivity = round2(summary.AvgActivity / n)
		summary.AvgDiversity = round2(summary.AvgDiversity / n)
	}
	return summary, nil
}

// GetProjectSummary summarises all of a project's wallets for its owner
func (p *ProductivityScorer) GetProjectSummary(ctx context.Context, projectID string) (*models.ProductivitySummary, error) {
	wallets, err := p.wallets.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return p.SummaryFor(ctx, projectID, wallets)
}

func walletIDs(wallets []*models.Wallet) []string {
	ids := make([]string, len(wallets))
	for i, w := range wallets {
		ids[i] = w.ID
	}
	return ids
}
