package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-insights/internal/config"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/privacy"
	"github.com/wallet-insights/internal/types"
)

func funnelWithCounts(counts ...int64) *models.ProjectFunnel {
	f := &models.ProjectFunnel{ProjectID: "p-1", TotalWallets: counts[0]}
	for i, c := range counts {
		f.Stages = append(f.Stages, models.FunnelStage{Stage: types.FunnelStages[i], WalletCount: c})
	}
	return f
}

func TestConversionsFromFunnel(t *testing.T) {
	conv := ConversionsFromFunnel(funnelWithCounts(10, 8, 4, 0, 0), 5)
	require.Len(t, conv, 4)

	assert.Equal(t, types.StageCreated, conv[0].FromStage)
	assert.Equal(t, types.StageFirstTx, conv[0].ToStage)
	assert.Equal(t, 80.0, conv[0].ConversionRate)
	assert.Equal(t, 20.0, conv[0].DropOffRate)
	assert.Equal(t, int64(2), conv[0].WalletsDropped)
	assert.True(t, conv[0].StatisticallySignificant)

	assert.Equal(t, 50.0, conv[1].ConversionRate)
	assert.True(t, conv[1].StatisticallySignificant)

	assert.Equal(t, 0.0, conv[2].ConversionRate)
	assert.Equal(t, 100.0, conv[2].DropOffRate)
	assert.False(t, conv[2].StatisticallySignificant)

	// nothing reached recurring: no division error, rate is 0
	assert.Equal(t, 0.0, conv[3].ConversionRate)
	assert.Equal(t, 100.0, conv[3].DropOffRate)
	assert.Equal(t, int64(0), conv[3].SampleSize)
}

// Property: drop_off_rate is exactly 100 - conversion_rate, and conversion
// is 0 whenever the earlier stage is empty
func TestConversionArithmeticProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("drop-off complements conversion", prop.ForAll(
		func(a, b, c, d, e int64) bool {
			for _, conv := range ConversionsFromFunnel(funnelWithCounts(a, b, c, d, e), 30) {
				if conv.DropOffRate != 100-conv.ConversionRate {
					return false
				}
				if conv.FromCount == 0 && conv.ConversionRate != 0 {
					return false
				}
				if conv.WalletsDropped < 0 {
					return false
				}
			}
			return true
		},
		gen.Int64Range(0, 1000),
		gen.Int64Range(0, 1000),
		gen.Int64Range(0, 1000),
		gen.Int64Range(0, 1000),
		gen.Int64Range(0, 1000),
	))

	properties.TestingRun(t)
}

func TestRankDropOffs(t *testing.T) {
	cfg := config.DefaultAnalyticsConfig()
	conv := ConversionsFromFunnel(funnelWithCounts(100, 90, 45, 10, 9), 30)
	drops := RankDropOffs(cfg, conv)
	require.Len(t, drops, 4)

	// recurring loses 77.8% (high), feature_usage 50% (medium), the rest low
	assert.Equal(t, types.StageRecurring, drops[0].ToStage)
	assert.Equal(t, types.SeverityHigh, drops[0].Severity)
	assert.Equal(t, 1, drops[0].Priority)
	assert.Equal(t, types.StageFeatureUsage, drops[1].ToStage)
	assert.Equal(t, types.SeverityMedium, drops[1].Severity)
	assert.Equal(t, 2, drops[1].Priority)
	assert.Equal(t, 3, drops[2].Priority)
	assert.Equal(t, 3, drops[3].Priority)
	assert.GreaterOrEqual(t, drops[2].ImpactScore, drops[3].ImpactScore)
	// 45 dropped at a 50% rate, weighted 2 for medium
	assert.Equal(t, 45.0, drops[1].ImpactScore)

	assert.Equal(t, types.SeverityHigh, SeverityFor(cfg, 70))
	assert.Equal(t, types.SeverityMedium, SeverityFor(cfg, 40))
	assert.Equal(t, types.SeverityLow, SeverityFor(cfg, 39.99))
}

func TestFunnelHealthAndRecommendations(t *testing.T) {
	cfg := config.DefaultAnalyticsConfig()

	healthy := ConversionsFromFunnel(funnelWithCounts(100, 95, 90, 80, 70), 30)
	score, status := FunnelHealth(healthy, RankDropOffs(cfg, healthy))
	assert.Equal(t, HealthHealthy, status)
	assert.GreaterOrEqual(t, score, 70.0)
	recs := Recommend(RankDropOffs(cfg, healthy))
	require.Len(t, recs, 1)
	assert.Equal(t, defaultRecommendation, recs[0].Action)

	poor := ConversionsFromFunnel(funnelWithCounts(100, 20, 5, 1, 0), 30)
	drops := RankDropOffs(cfg, poor)
	score, status = FunnelHealth(poor, drops)
	assert.Equal(t, HealthCritical, status)
	assert.GreaterOrEqual(t, score, 0.0)
	// only the first transition has enough wallets behind it to act on
	recs = Recommend(drops)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Action, "[HIGH]")
	assert.Equal(t, 1, recs[0].Priority)
	assert.Equal(t, types.StageFirstTx, recs[0].Stage)

	score, status = FunnelHealth(nil, nil)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, HealthCritical, status)
}

func TestDropOffs_BelowSampleMinimum(t *testing.T) {
	cfg := config.DefaultAnalyticsConfig()
	conv := ConversionsFromFunnel(funnelWithCounts(40, 10, 0, 0, 0), 30)
	drops := RankDropOffs(cfg, conv)
	require.Len(t, drops, 4)

	assert.Equal(t, types.StageFirstTx, drops[0].ToStage)
	assert.True(t, drops[0].StatisticallySignificant)
	assert.Equal(t, types.SeverityHigh, drops[0].Severity)
	for _, d := range drops[1:] {
		assert.False(t, d.StatisticallySignificant, d.ToStage)
	}
	// stages nobody reached drop nobody
	for _, d := range drops {
		if d.FromCount == 0 {
			assert.Equal(t, types.SeverityLow, d.Severity, d.ToStage)
			assert.Zero(t, d.ImpactScore)
		}
	}

	// average of the two reached transitions (25 and 0) less one high penalty
	score, status := FunnelHealth(conv, drops)
	assert.Equal(t, 7.5, score)
	assert.Equal(t, HealthCritical, status)

	recs := Recommend(drops)
	require.Len(t, recs, 1)
	assert.Equal(t, types.StageFirstTx, recs[0].Stage)

	// nothing significant leaves only the default action
	small := RankDropOffs(cfg, ConversionsFromFunnel(funnelWithCounts(5, 1, 0, 0, 0), 30))
	recs = Recommend(small)
	require.Len(t, recs, 1)
	assert.Equal(t, defaultRecommendation, recs[0].Action)
}

type conversionFixture struct {
	wallets *memWallets
	stages  *memStages
	grants  *memGrants
	svc     *ConversionAnalysisService
}

func newConversionFixture(ws ...*models.Wallet) *conversionFixture {
	f := &conversionFixture{wallets: newMemWallets(ws...), stages: newMemStages()}
	releaser, grants := newReleaser(f.wallets)
	f.grants = grants
	engine := NewAdoptionStageEngine(f.stages, f.wallets, newMemActivity(), nil)
	f.svc = NewConversionAnalysisService(config.DefaultAnalyticsConfig(), f.wallets, releaser, engine)
	f.svc.now = fixedClock
	return f
}

func TestGenerateReport_OwnerAndBuyer(t *testing.T) {
	created := testNow.AddDate(0, 0, -30)
	var ws []*models.Wallet
	for i := 0; i < 6; i++ {
		mode := types.PrivacyPrivate
		if i >= 3 {
			mode = types.PrivacyPublic
		}
		ws = append(ws, newWallet(fmt.Sprintf("w-%d", i), "p-1", mode, created))
	}
	f := newConversionFixture(ws...)
	for i := 0; i < 4; i++ {
		f.stages.achieve(fmt.Sprintf("w-%d", i), types.StageFirstTx, created.Add(time.Hour), 1)
	}
	ctx := context.Background()

	report, err := f.svc.GenerateReport(ctx, "p-1", ConversionOptions{MinSampleSize: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(6), report.TotalWallets)
	require.Len(t, report.Conversions, 4)
	assert.InDelta(t, 66.67, report.Conversions[0].ConversionRate, 0.01)
	assert.True(t, report.Conversions[0].StatisticallySignificant)
	assert.False(t, report.Conversions[1].StatisticallySignificant)
	assert.Equal(t, testNow, report.GeneratedAt)
	assert.NotEmpty(t, report.Recommendations)

	// a buyer only sees the public wallets
	buyer, err := f.svc.CalculateConversions(ctx, "p-1", ConversionOptions{Accessor: privacy.Buyer("b-1")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), buyer[0].FromCount)
	assert.Equal(t, int64(1), buyer[0].ToCount)
	assert.False(t, buyer[0].StatisticallySignificant)
}

func TestIdentifyDropoffs_EmptyProject(t *testing.T) {
	f := newConversionFixture()
	drops, err := f.svc.IdentifyDropoffs(context.Background(), "p-empty", ConversionOptions{})
	require.NoError(t, err)
	require.Len(t, drops, 4)
	for _, d := range drops {
		assert.Equal(t, 0.0, d.ConversionRate)
		assert.Equal(t, 100.0, d.DropOffRate)
	}
}
