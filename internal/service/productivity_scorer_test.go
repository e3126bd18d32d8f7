package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-insights/internal/config"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/types"
)

func achievedStages(walletID string, at time.Time, names ...types.StageName) []*models.WalletAdoptionStage {
	out := make([]*models.WalletAdoptionStage, 0, len(names))
	for _, n := range names {
		a := at
		out = append(out, &models.WalletAdoptionStage{WalletID: walletID, StageName: n, AchievedAt: &a})
	}
	return out
}

func dayMetric(walletID string, at time.Time, count, volume int64, txType types.TxType) *models.WalletActivityMetric {
	return &models.WalletActivityMetric{
		WalletID:           walletID,
		ActivityDate:       models.UTCDate(at),
		TransactionCount:   count,
		VolumeZatoshi:      volume,
		TypeCounts:         map[string]int64{string(txType): count},
		IsActive:           count > 0,
		FirstTransactionAt: at,
		LastTransactionAt:  at,
	}
}

func TestComputeScore_KnownWallet(t *testing.T) {
	cfg := config.DefaultAnalyticsConfig()
	w := newWallet("w-1", "p-1", types.PrivacyPrivate, testNow.AddDate(0, 0, -20))

	var activity []*models.WalletActivityMetric
	for back := 2; back <= 11; back++ {
		txType := types.TxTypeTransfer
		if back%2 == 0 {
			txType = types.TxTypeSwap
		}
		activity = append(activity, dayMetric("w-1", testNow.AddDate(0, 0, -back), 1, 10_000_000, txType))
	}
	stages := achievedStages("w-1", w.CreatedAt, types.StageCreated, types.StageFirstTx, types.StageFeatureUsage)

	s := ComputeScore(cfg, ScoreInputs{Wallet: w, Stages: stages, Activity: activity}, testNow)

	// recency 2 of 30 idle days, 10 active days over a 20 day age
	assert.InDelta(t, 0.6*(100*(1-2.0/30))+0.4*50, s.RetentionScore, 0.01)
	assert.Equal(t, 30.0, s.AdoptionScore)
	// 10 of 50 baseline transactions, 0.1 of the baseline volume
	assert.InDelta(t, 15.0, s.ActivityScore, 0.01)
	assert.Equal(t, 50.0, s.DiversityScore)

	want := 0.3*s.RetentionScore + 0.3*s.AdoptionScore + 0.2*s.ActivityScore + 0.2*s.DiversityScore
	assert.InDelta(t, want, s.TotalScore, 1e-9)
	assert.Equal(t, types.StatusAtRisk, s.Status)
	assert.Equal(t, types.RiskMedium, s.RiskLevel)
	assert.Equal(t, testNow, s.CalculatedAt)
}

func TestComputeScore_NoActivity(t *testing.T) {
	cfg := config.DefaultAnalyticsConfig()
	w := newWallet("w-1", "p-1", types.PrivacyPrivate, testNow.AddDate(0, 0, -3))

	s := ComputeScore(cfg, ScoreInputs{Wallet: w}, testNow)
	assert.Zero(t, s.RetentionScore)
	assert.Zero(t, s.ActivityScore)
	assert.Zero(t, s.DiversityScore)
	assert.Zero(t, s.TotalScore)
	assert.Equal(t, types.StatusChurn, s.Status)
	assert.Equal(t, types.RiskHigh, s.RiskLevel)
}

func TestScoreThresholds(t *testing.T) {
	cfg := config.DefaultAnalyticsConfig()

	tests := []struct {
		total  float64
		status types.ScoreStatus
		risk   types.RiskLevel
	}{
		{100, types.StatusHealthy, types.RiskLow},
		{70, types.StatusHealthy, types.RiskLow},
		{69.99, types.StatusAtRisk, types.RiskLow},
		{65, types.StatusAtRisk, types.RiskLow},
		{50, types.StatusAtRisk, types.RiskMedium},
		{40, types.StatusAtRisk, types.RiskMedium},
		{39.99, types.StatusChurn, types.RiskMedium},
		{35, types.StatusChurn, types.RiskMedium},
		{10, types.StatusChurn, types.RiskHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, ScoreStatusFor(cfg, tt.total), "status for %.2f", tt.total)
		assert.Equal(t, tt.risk, RiskLevelFor(cfg, tt.total), "risk for %.2f", tt.total)
	}
}

// Property: every sub-score and the total stay in [0,100] and the total is
// the configured weighted sum of the sub-scores
func TestComputeScoreBoundsProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	cfg := config.DefaultAnalyticsConfig()
	kinds := []types.TxType{
		types.TxTypeTransfer, types.TxTypeSwap, types.TxTypeBridge,
		types.TxTypeShielding, types.TxTypeBatch, types.TxTypeSelf,
	}

	properties.Property("scores bounded and weighted", prop.ForAll(
		func(ageDays, activeDays, perDay int, volume int64, stageCount int) bool {
			w := newWallet("w-p", "p-1", types.PrivacyPrivate, testNow.AddDate(0, 0, -ageDays))
			var activity []*models.WalletActivityMetric
			for d := 0; d < activeDays; d++ {
				at := testNow.AddDate(0, 0, -d).Add(-time.Hour)
				activity = append(activity, dayMetric(w.ID, at, int64(perDay), volume, kinds[d%len(kinds)]))
			}
			stages := achievedStages(w.ID, w.CreatedAt, types.FunnelStages[:stageCount]...)

			s := ComputeScore(cfg, ScoreInputs{Wallet: w, Stages: stages, Activity: activity}, testNow)
			for _, v := range []float64{s.RetentionScore, s.AdoptionScore, s.ActivityScore, s.DiversityScore, s.TotalScore} {
				if v < 0 || v > 100 || math.IsNaN(v) {
					return false
				}
			}
			want := cfg.RetentionWeight*s.RetentionScore + cfg.AdoptionWeight*s.AdoptionScore +
				cfg.ActivityWeight*s.ActivityScore + cfg.DiversityWeight*s.DiversityScore
			return math.Abs(want-s.TotalScore) < 1e-6
		},
		gen.IntRange(0, 400),
		gen.IntRange(0, 60),
		gen.IntRange(0, 40),
		gen.Int64Range(0, 5_000_000_000),
		gen.IntRange(0, len(types.FunnelStages)),
	))

	properties.TestingRun(t)
}

type scorerFixture struct {
	wallets  *memWallets
	stages   *memStages
	activity *memActivity
	scores   *memScores
	scorer   *ProductivityScorer
}

func newScorerFixture(ws ...*models.Wallet) *scorerFixture {
	f := &scorerFixture{
		wallets:  newMemWallets(ws...),
		stages:   newMemStages(),
		activity: newMemActivity(),
		scores:   newMemScores(),
	}
	f.scorer = NewProductivityScorer(config.DefaultAnalyticsConfig(), f.scores, f.wallets, f.stages, f.activity)
	f.scorer.now = fixedClock
	return f
}

func TestRecompute_PersistsScore(t *testing.T) {
	f := newScorerFixture(newWallet("w-1", "p-1", types.PrivacyPrivate, testNow.AddDate(0, 0, -10)))
	ctx := context.Background()
	f.activity.seed("w-1", testNow.AddDate(0, 0, -1), 3, 2_000_000, types.TxTypeTransfer, types.TxTypeSwap)

	s, err := f.scorer.Recompute(ctx, "w-1")
	require.NoError(t, err)
	stored, err := f.scores.GetByWallet(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, s.TotalScore, stored.TotalScore)
	assert.Greater(t, s.TotalScore, 0.0)
}

func TestRecomputeProject_And_Summary(t *testing.T) {
	created := testNow.AddDate(0, 0, -10)
	f := newScorerFixture(
		newWallet("w-1", "p-1", types.PrivacyPrivate, created),
		newWallet("w-2", "p-1", types.PrivacyPrivate, created),
		newWallet("w-3", "p-2", types.PrivacyPrivate, created),
	)
	ctx := context.Background()
	f.activity.seed("w-1", testNow.AddDate(0, 0, -1), 5, 5_000_000, types.TxTypeTransfer)

	res, err := f.scorer.RecomputeProject(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Len(t, f.scores.scores, 2)

	summary, err := f.scorer.GetProjectSummary(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.WalletCount)
	var n int64
	for _, c := range summary.StatusCounts {
		n += c
	}
	assert.Equal(t, int64(2), n)
}

func TestSummaryFor_ScoresMissingWalletsWithoutStoring(t *testing.T) {
	w := newWallet("w-1", "p-1", types.PrivacyPrivate, testNow.AddDate(0, 0, -10))
	f := newScorerFixture(w)

	summary, err := f.scorer.SummaryFor(context.Background(), "p-1", []*models.Wallet{w})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.WalletCount)
	assert.Equal(t, int64(1), summary.StatusCounts[types.StatusChurn])
	assert.Empty(t, f.scores.scores)
}
