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

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/types"
)

type adoptionFixture struct {
	wallets    *memWallets
	stages     *memStages
	activity   *memActivity
	aggregator *ActivityAggregator
	engine     *AdoptionStageEngine
}

func newAdoptionFixture(ws ...*models.Wallet) *adoptionFixture {
	f := &adoptionFixture{
		wallets:  newMemWallets(ws...),
		stages:   newMemStages(),
		activity: newMemActivity(),
	}
	f.aggregator = NewActivityAggregator(f.activity, nil)
	f.engine = NewAdoptionStageEngine(f.stages, f.wallets, f.activity, nil)
	f.engine.now = fixedClock
	return f
}

func processedTx(walletID, id string, at time.Time, txType types.TxType, value int64) *models.ProcessedTransaction {
	return &models.ProcessedTransaction{
		WalletID:        walletID,
		TxID:            id,
		BlockTime:       at,
		TxType:          txType,
		ValueZatoshi:    value,
		ComplexityScore: 20,
	}
}

func stageMap(stages []*models.WalletAdoptionStage) map[types.StageName]*models.WalletAdoptionStage {
	out := make(map[types.StageName]*models.WalletAdoptionStage, len(stages))
	for _, s := range stages {
		out[s.StageName] = s
	}
	return out
}

func TestUpdateStages_SingleTransfer(t *testing.T) {
	t0 := testNow.AddDate(0, 0, -10)
	f := newAdoptionFixture(newWallet("w-1", "p-1", types.PrivacyPrivate, t0))
	ctx := context.Background()

	_, err := f.aggregator.Apply(ctx, "w-1", []*models.ProcessedTransaction{
		processedTx("w-1", "tx-1", t0.Add(time.Hour), types.TxTypeTransfer, 50_000),
	})
	require.NoError(t, err)

	newly, err := f.engine.UpdateStages(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, []types.StageName{types.StageFirstTx}, newly)

	stages, err := f.stages.ListByWallet(ctx, "w-1")
	require.NoError(t, err)
	byName := stageMap(stages)

	first := byName[types.StageFirstTx]
	require.True(t, first.Achieved())
	require.NotNil(t, first.TimeToAchieveHours)
	assert.InDelta(t, 1.0, *first.TimeToAchieveHours, 0.01)
	for _, s := range []types.StageName{types.StageFeatureUsage, types.StageRecurring, types.StageHighValue} {
		assert.False(t, byName[s].Achieved(), "%s should not be achieved", s)
		assert.Less(t, byName[s].ConversionProbability, 0.5+1e-9)
	}
}

func TestUpdateStages_FeatureUsage(t *testing.T) {
	t0 := testNow.AddDate(0, 0, -10)
	f := newAdoptionFixture(newWallet("w-1", "p-1", types.PrivacyPrivate, t0))
	ctx := context.Background()

	_, err := f.aggregator.Apply(ctx, "w-1", []*models.ProcessedTransaction{
		processedTx("w-1", "tx-1", t0.Add(time.Hour), types.TxTypeTransfer, 10_000),
		processedTx("w-1", "tx-2", t0.Add(2*time.Hour), types.TxTypeSwap, -20_000),
		processedTx("w-1", "tx-3", t0.Add(24*time.Hour), types.TxTypeBridge, -30_000),
	})
	require.NoError(t, err)

	newly, err := f.engine.UpdateStages(ctx, "w-1")
	require.NoError(t, err)
	assert.Contains(t, newly, types.StageFeatureUsage)
	assert.NotContains(t, newly, types.StageRecurring)

	stages, _ := f.stages.ListByWallet(ctx, "w-1")
	byName := stageMap(stages)
	assert.True(t, byName[types.StageFeatureUsage].Achieved())
	assert.False(t, byName[types.StageRecurring].Achieved())
}

func TestUpdateStages_AllStages(t *testing.T) {
	t0 := testNow.AddDate(0, 0, -60)
	f := newAdoptionFixture(newWallet("w-1", "p-1", types.PrivacyPrivate, t0))
	ctx := context.Background()

	// 10 transactions on 8 distinct days spanning 40 days, 1,500,000 zatoshi in total
	days := []int{0, 0, 3, 7, 12, 18, 18, 25, 33, 40}
	kinds := []types.TxType{types.TxTypeTransfer, types.TxTypeSwap, types.TxTypeBridge}
	var txs []*models.ProcessedTransaction
	for i, d := range days {
		at := t0.Add(time.Hour).AddDate(0, 0, d).Add(time.Duration(i) * time.Minute)
		txs = append(txs, processedTx("w-1", fmt.Sprintf("tx-%d", i), at, kinds[i%len(kinds)], 150_000))
	}
	applied, err := f.aggregator.Apply(ctx, "w-1", txs)
	require.NoError(t, err)
	require.Equal(t, 10, applied)

	newly, err := f.engine.UpdateStages(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, []types.StageName{
		types.StageFirstTx, types.StageFeatureUsage, types.StageRecurring, types.StageHighValue,
	}, newly)

	status, err := f.engine.GetStatus(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, types.StageHighValue, status.CurrentStage)
	assert.Nil(t, status.NextStage)
	assert.Equal(t, 100.0, status.ProgressPercent)

	// nothing left to achieve on a second pass
	newly, err = f.engine.UpdateStages(ctx, "w-1")
	require.NoError(t, err)
	assert.Empty(t, newly)
}

func TestUpdateStages_RetriesOnceOnConflict(t *testing.T) {
	t0 := testNow.AddDate(0, 0, -10)
	ctx := context.Background()

	t.Run("second attempt succeeds", func(t *testing.T) {
		f := newAdoptionFixture(newWallet("w-1", "p-1", types.PrivacyPrivate, t0))
		f.activity.seed("w-1", t0.Add(time.Hour), 1, 1000, types.TxTypeTransfer)
		f.stages.conflicts = 1

		newly, err := f.engine.UpdateStages(ctx, "w-1")
		require.NoError(t, err)
		assert.Equal(t, []types.StageName{types.StageFirstTx}, newly)
		assert.Equal(t, 2, f.stages.marks)
	})

	t.Run("persistent conflict is reported", func(t *testing.T) {
		f := newAdoptionFixture(newWallet("w-1", "p-1", types.PrivacyPrivate, t0))
		f.activity.seed("w-1", t0.Add(time.Hour), 1, 1000, types.TxTypeTransfer)
		f.stages.conflicts = 2

		_, err := f.engine.UpdateStages(ctx, "w-1")
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
	})
}

func TestUpdateStages_UnknownWallet(t *testing.T) {
	f := newAdoptionFixture()
	_, err := f.engine.UpdateStages(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestGetStatus_NextStageProgress(t *testing.T) {
	t0 := testNow.AddDate(0, 0, -10)
	f := newAdoptionFixture(newWallet("w-1", "p-1", types.PrivacyPrivate, t0))
	ctx := context.Background()
	f.activity.seed("w-1", t0.Add(time.Hour), 1, 1000, types.TxTypeTransfer)

	_, err := f.engine.UpdateStages(ctx, "w-1")
	require.NoError(t, err)

	status, err := f.engine.GetStatus(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, types.StageFirstTx, status.CurrentStage)
	require.NotNil(t, status.NextStage)
	assert.Equal(t, types.StageFeatureUsage, *status.NextStage)
	assert.Equal(t, 25.0, status.ProgressPercent)
	// 1 of 3 transactions and 1 of 2 types: the weakest ratio wins
	assert.InDelta(t, 33.33, status.NextStageProgress, 0.01)
	assert.Len(t, status.Stages, len(types.FunnelStages))
}

func TestEvaluateStages_ClampsToEarlierStage(t *testing.T) {
	t0 := testNow.AddDate(0, 0, -10)
	w := newWallet("w-1", "p-1", types.PrivacyPrivate, t0)
	firstAt := t0.Add(50 * time.Hour)
	hours := 50.0
	current := []*models.WalletAdoptionStage{
		{WalletID: "w-1", StageName: types.StageCreated, AchievedAt: ptrTime(t0)},
		{WalletID: "w-1", StageName: types.StageFirstTx, AchievedAt: &firstAt, TimeToAchieveHours: &hours},
	}
	last := t0.Add(10 * time.Hour)
	snap := &models.ActivitySnapshot{
		TotalTransactions: 3, UniqueTxTypes: 2, ActiveDays: 1,
		FirstTxAt: ptrTime(t0.Add(time.Hour)), LastTxAt: &last,
	}

	newly, pending := EvaluateStages(w, current, snap, DefaultStageCriteria, testNow)
	require.Len(t, newly, 1)
	assert.Equal(t, types.StageFeatureUsage, newly[0].StageName)
	assert.True(t, newly[0].AchievedAt.Equal(firstAt))
	assert.Contains(t, pending, types.StageRecurring)
	assert.Contains(t, pending, types.StageHighValue)
}

// Property: newly achieved stages always form a funnel prefix with
// non-decreasing achieved_at, and every stage after it stays pending
func TestEvaluateStagesMonotonicProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	t0 := testNow.AddDate(0, 0, -90)
	w := newWallet("w-1", "p-1", types.PrivacyPrivate, t0)

	properties.Property("stages achieved in order", prop.ForAll(
		func(count, txTypes, activeDays, spanDays int, volume int64, lastOffsetHours int) bool {
			first := t0.Add(time.Hour)
			last := first.AddDate(0, 0, spanDays).Add(time.Duration(lastOffsetHours) * time.Hour)
			snap := &models.ActivitySnapshot{
				TotalTransactions: int64(count),
				UniqueTxTypes:     txTypes,
				ActiveDays:        activeDays,
				TotalVolume:       volume,
				FirstTxAt:         &first,
				LastTxAt:          &last,
			}
			newly, pending := EvaluateStages(w, nil, snap, DefaultStageCriteria, testNow)

			prev := w.CreatedAt
			for i, s := range newly {
				if s.StageName != types.FunnelStages[i+1] || s.AchievedAt.Before(prev) {
					return false
				}
				prev = *s.AchievedAt
			}
			for _, stage := range types.FunnelStages[1+len(newly):] {
				if _, ok := pending[stage]; !ok {
					return false
				}
			}
			return len(pending)+len(newly) == len(types.FunnelStages)-1
		},
		gen.IntRange(0, 30),
		gen.IntRange(0, 6),
		gen.IntRange(0, 20),
		gen.IntRange(0, 60),
		gen.Int64Range(0, 3_000_000),
		gen.IntRange(0, 23),
	))

	properties.TestingRun(t)
}

func TestGetProjectFunnel(t *testing.T) {
	t0 := testNow.AddDate(0, 0, -30)
	f := newAdoptionFixture(
		newWallet("w-1", "p-1", types.PrivacyPrivate, t0),
		newWallet("w-2", "p-1", types.PrivacyPrivate, t0),
		newWallet("w-3", "p-1", types.PrivacyPrivate, t0),
		newWallet("w-4", "p-1", types.PrivacyPrivate, t0),
		newWallet("w-9", "p-2", types.PrivacyPrivate, t0),
	)
	f.stages.achieve("w-2", types.StageFirstTx, t0.Add(2*time.Hour), 2)
	f.stages.achieve("w-3", types.StageFirstTx, t0.Add(4*time.Hour), 4)
	f.stages.achieve("w-3", types.StageFeatureUsage, t0.Add(8*time.Hour), 8)
	// a later stage without the earlier one does not count
	f.stages.achieve("w-4", types.StageFeatureUsage, t0.Add(8*time.Hour), 8)
	f.stages.achieve("w-9", types.StageFirstTx, t0.Add(time.Hour), 1)

	funnel, err := f.engine.GetProjectFunnel(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), funnel.TotalWallets)
	require.Len(t, funnel.Stages, len(types.FunnelStages))

	counts := make([]int64, len(funnel.Stages))
	for i, s := range funnel.Stages {
		counts[i] = s.WalletCount
	}
	assert.Equal(t, []int64{4, 2, 1, 0, 0}, counts)
	assert.Equal(t, 100.0, funnel.Stages[0].RateFromPrevious)
	assert.Equal(t, 50.0, funnel.Stages[1].RateFromPrevious)
	assert.Equal(t, 50.0, funnel.Stages[2].RateFromPrevious)
	assert.Equal(t, 25.0, funnel.Stages[2].RateFromStart)
	assert.Equal(t, 0.0, funnel.Stages[4].RateFromPrevious)
	require.NotNil(t, funnel.Stages[1].AvgTimeToAchieveHr)
	assert.Equal(t, 3.0, *funnel.Stages[1].AvgTimeToAchieveHr)
	assert.Nil(t, funnel.Stages[3].AvgTimeToAchieveHr)
}

// Property: achieved counts never increase along the funnel
func TestBuildFunnelCountMonotonicProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	at := testNow.AddDate(0, 0, -5)

	properties.Property("count(stage N+1) <= count(stage N)", prop.ForAll(
		func(masks []int) bool {
			ids := make([]string, len(masks))
			stages := make(map[string][]*models.WalletAdoptionStage)
			for i, mask := range masks {
				id := fmt.Sprintf("w-%d", i)
				ids[i] = id
				for j, stage := range types.FunnelStages {
					if mask&(1<<j) != 0 {
						stages[id] = append(stages[id], &models.WalletAdoptionStage{
							WalletID: id, StageName: stage, AchievedAt: &at,
						})
					}
				}
			}
			funnel := BuildFunnel("p-1", ids, stages)
			for i := 1; i < len(funnel.Stages); i++ {
				if funnel.Stages[i].WalletCount > funnel.Stages[i-1].WalletCount {
					return false
				}
			}
			return funnel.Stages[0].WalletCount == int64(len(masks))
		},
		gen.SliceOf(gen.IntRange(0, 31)),
	))

	properties.TestingRun(t)
}
