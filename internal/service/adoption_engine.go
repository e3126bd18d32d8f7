package service

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/metrics"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/storage"
	"github.com/wallet-insights/internal/types"
)

// StageStore persists adoption stage rows
type StageStore interface {
	Initialize(ctx context.Context, walletID string, createdAt time.Time) error
	ListByWallet(ctx context.Context, walletID string) ([]*models.WalletAdoptionStage, error)
	ListByWallets(ctx context.Context, walletIDs []string) (map[string][]*models.WalletAdoptionStage, error)
	MarkAchieved(ctx context.Context, stages []*models.WalletAdoptionStage) error
	UpdateProbabilities(ctx context.Context, walletID string, probs map[types.StageName]float64) error
}

// WalletRegistry reads wallets and their projects
type WalletRegistry interface {
	GetByID(ctx context.Context, id string) (*models.Wallet, error)
	ListByProject(ctx context.Context, projectID string) ([]*models.Wallet, error)
}

// ActivityReader reads stored daily activity
type ActivityReader interface {
	ListByWallet(ctx context.Context, walletID string) ([]*models.WalletActivityMetric, error)
	ListByWallets(ctx context.Context, walletIDs []string) (map[string][]*models.WalletActivityMetric, error)
}

// StageCriteria are the thresholds a wallet's lifetime activity must meet.
// Zero fields are not checked.
type StageCriteria struct {
	MinTransactions int64
	MinTxTypes      int
	MinActiveDays   int
	MinSpanDays     float64
	MinVolume       int64
}

// DefaultStageCriteria are the funnel thresholds per stage
var DefaultStageCriteria = map[types.StageName]StageCriteria{
	types.StageFirstTx:      {MinTransactions: 1},
	types.StageFeatureUsage: {MinTransactions: 3, MinTxTypes: 2},
	types.StageRecurring:    {MinTransactions: 5, MinActiveDays: 3, MinSpanDays: 7},
	types.StageHighValue:    {MinTransactions: 10, MinActiveDays: 7, MinSpanDays: 30, MinVolume: 1_000_000},
}

// Met reports whether a snapshot satisfies every threshold
func (c StageCriteria) Met(s *models.ActivitySnapshot) bool {
	return s.TotalTransactions >= c.MinTransactions &&
		s.UniqueTxTypes >= c.MinTxTypes &&
		s.ActiveDays >= c.MinActiveDays &&
		s.SpanDays() >= c.MinSpanDays &&
		s.TotalVolume >= c.MinVolume
}

// Headroom is the smallest actual/threshold ratio across checked thresholds.
// Values of at least 1 mean every threshold is met.
func (c StageCriteria) Headroom(s *models.ActivitySnapshot) float64 {
	r := -1.0
	take := func(actual, threshold float64) {
		if threshold <= 0 {
			return
		}
		v := actual / threshold
		if r < 0 || v < r {
			r = v
		}
	}
	take(float64(s.TotalTransactions), float64(c.MinTransactions))
	take(float64(s.UniqueTxTypes), float64(c.MinTxTypes))
	take(float64(s.ActiveDays), float64(c.MinActiveDays))
	take(s.SpanDays(), c.MinSpanDays)
	take(float64(s.TotalVolume), float64(c.MinVolume))
	if r < 0 {
		return 1
	}
	return r
}

// achievedProbability grows with how far activity exceeds the threshold:
// exactly meeting it gives 0.5, twice the threshold 0.75
func achievedProbability(headroom float64) float64 {
	if headroom <= 0 {
		return 0
	}
	return clamp(1-0.5/headroom, 0, 1)
}

// pendingProbability is the progress towards an unachieved stage, below 0.5
func pendingProbability(headroom float64) float64 {
	return clamp(headroom*0.5, 0, 0.5)
}

// AdoptionStageEngine moves wallets through the adoption funnel. Stages are
// evaluated in funnel order and evaluation stops at the first stage whose
// criteria fail, so a later stage is never achieved before an earlier one.
// time_to_achieve_hours is measured from wallet creation.
type AdoptionStageEngine struct {
	stages   StageStore
	wallets  WalletRegistry
	activity ActivityReader
	criteria map[types.StageName]StageCriteria
	guard    *walletGuard
	now      func() time.Time
}

// NewAdoptionStageEngine creates a stage engine. locker may be nil.
func NewAdoptionStageEngine(stages StageStore, wallets WalletRegistry, activity ActivityReader, locker WalletLocker) *AdoptionStageEngine {
	return &AdoptionStageEngine{
		stages:   stages,
		wallets:  wallets,
		activity: activity,
		criteria: DefaultStageCriteria,
		guard:    newWalletGuard(locker),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Initialize creates the wallet's stage rows with created achieved at creation time
func (e *AdoptionStageEngine) Initialize(ctx context.Context, walletID string) error {
	w, err := e.wallets.GetByID(ctx, walletID)
	if err != nil {
		return err
	}
	return e.stages.Initialize(ctx, walletID, w.CreatedAt)
}

// UpdateStages evaluates the wallet's lifetime activity and returns the
// stages achieved by this call
func (e *AdoptionStageEngine) UpdateStages(ctx context.Context, walletID string) ([]types.StageName, error) {
	w, err := e.wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.guard.lock(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := e.stages.Initialize(ctx, walletID, w.CreatedAt); err != nil {
		return nil, err
	}

	achieved, err := e.evaluateAndWrite(ctx, w)
	if errors.Is(err, storage.ErrStageAlreadyAchieved) || errors.Is(err, storage.ErrSerialization) {
		logging.FromContext(ctx).ForWallet(walletID).Warn("stage write conflicted, re-evaluating against fresh state")
		achieved, err = e.evaluateAndWrite(ctx, w)
		if errors.Is(err, storage.ErrStageAlreadyAchieved) || errors.Is(err, storage.ErrSerialization) {
			return nil, apperrors.NewConflictError("wallet_adoption_stages", walletID)
		}
	}
	if err != nil {
		return nil, err
	}

	for _, s := range achieved {
		metrics.RecordStageAchieved(string(s))
	}
	return achieved, nil
}

func (e *AdoptionStageEngine) evaluateAndWrite(ctx context.Context, w *models.Wallet) ([]types.StageName, error) {
	current, err := e.stages.ListByWallet(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	activity, err := e.activity.ListByWallet(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	snapshot := models.SnapshotFrom(w.ID, activity)

	newly, pending := EvaluateStages(w, current, snapshot, e.criteria, e.now())
	if err := e.stages.MarkAchieved(ctx, newly); err != nil {
		return nil, err
	}
	if err := e.stages.UpdateProbabilities(ctx, w.ID, pending); err != nil {
		logging.FromContext(ctx).ForWallet(w.ID).WithError(err).Warn("failed to refresh stage probabilities")
	}

	names := make([]types.StageName, len(newly))
	for i, s := range newly {
		names[i] = s.StageName
	}
	return names, nil
}

// EvaluateStages walks the funnel and returns the rows to mark achieved and
// the refreshed probabilities of the stages still pending. Already achieved
// stages are never changed.
func EvaluateStages(
	w *models.Wallet,
	current []*models.WalletAdoptionStage,
	snapshot *models.ActivitySnapshot,
	criteria map[types.StageName]StageCriteria,
	now time.Time,
) ([]*models.WalletAdoptionStage, map[types.StageName]float64) {
	byName := make(map[types.StageName]*models.WalletAdoptionStage, len(current))
	for _, s := range current {
		byName[s.StageName] = s
	}

	var newly []*models.WalletAdoptionStage
	pending := make(map[types.StageName]float64)

	prevAchieved := w.CreatedAt.UTC()
	gated := false
	for _, stage := range types.FunnelStages[1:] {
		if existing, ok := byName[stage]; ok && existing.Achieved() {
			prevAchieved = *existing.AchievedAt
			continue
		}
		c := criteria[stage]
		headroom := c.Headroom(snapshot)
		if gated || !c.Met(snapshot) {
			gated = true
			pending[stage] = pendingProbability(headroom)
			continue
		}

		at := now
		if snapshot.LastTxAt != nil && snapshot.LastTxAt.Before(now) {
			at = *snapshot.LastTxAt
		}
		if at.Before(prevAchieved) {
			at = prevAchieved
		}
		at = at.UTC()
		hours := at.Sub(w.CreatedAt).Hours()
		if hours < 0 {
			hours = 0
		}

		newly = append(newly, &models.WalletAdoptionStage{
			WalletID:              w.ID,
			StageName:             stage,
			AchievedAt:            &at,
			TimeToAchieveHours:    &hours,
			ConversionProbability: achievedProbability(headroom),
			UpdatedAt:             now,
		})
		prevAchieved = at
	}
	return newly, pending
}

// GetStatus returns the wallet's current and next stage with progress
func (e *AdoptionStageEngine) GetStatus(ctx context.Context, walletID string) (*models.StageStatus, error) {
	if _, err := e.wallets.GetByID(ctx, walletID); err != nil {
		return nil, err
	}
	stages, err := e.stages.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	activity, err := e.activity.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return buildStageStatus(walletID, stages, models.SnapshotFrom(walletID, activity), e.criteria), nil
}

func buildStageStatus(walletID string, stages []*models.WalletAdoptionStage, snapshot *models.ActivitySnapshot, criteria map[types.StageName]StageCriteria) *models.StageStatus {
	byName := make(map[types.StageName]*models.WalletAdoptionStage, len(stages))
	for _, s := range stages {
		byName[s.StageName] = s
	}

	status := &models.StageStatus{
		WalletID:     walletID,
		CurrentStage: types.StageCreated,
		Stages:       make([]*models.WalletAdoptionStage, 0, len(types.FunnelStages)),
	}
	reached := 0
	for i, stage := range types.FunnelStages {
		s, ok := byName[stage]
		if !ok {
			s = &models.WalletAdoptionStage{WalletID: walletID, StageName: stage}
		}
		status.Stages = append(status.Stages, s)
		if s.Achieved() && i == reached {
			status.CurrentStage = stage
			reached = i + 1
		}
	}
	if reached == 0 {
		// created is implicit at wallet creation
		reached = 1
	}

	status.ProgressPercent = round2(float64(reached-1) / float64(len(types.FunnelStages)-1) * 100)
	if reached < len(types.FunnelStages) {
		next := types.FunnelStages[reached]
		status.NextStage = &next
		status.NextStageProgress = round2(clamp(criteria[next].Headroom(snapshot), 0, 1) * 100)
	} else {
		status.NextStageProgress = 100
	}
	return status
}

// GetProjectFunnel counts achieved wallets per stage across a project
func (e *AdoptionStageEngine) GetProjectFunnel(ctx context.Context, projectID string) (*models.ProjectFunnel, error) {
	wallets, err := e.wallets.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(wallets))
	for i, w := range wallets {
		ids[i] = w.ID
	}
	return e.FunnelFor(ctx, projectID, ids)
}

// FunnelFor builds the funnel over an explicit set of wallets
func (e *AdoptionStageEngine) FunnelFor(ctx context.Context, projectID string, walletIDs []string) (*models.ProjectFunnel, error) {
	stages, err := e.stages.ListByWallets(ctx, walletIDs)
	if err != nil {
		return nil, err
	}
	return BuildFunnel(projectID, walletIDs, stages), nil
}

// BuildFunnel aggregates stage rows into per-stage counts and rates. A wallet
// counts towards a stage only when it achieved that stage and every earlier one.
func BuildFunnel(projectID string, walletIDs []string, stages map[string][]*models.WalletAdoptionStage) *models.ProjectFunnel {
	n := len(types.FunnelStages)
	counts := make([]int64, n)
	hours := make([]float64, n)
	withHours := make([]int64, n)

	for _, id := range walletIDs {
		byName := make(map[types.StageName]*models.WalletAdoptionStage)
		for _, s := range stages[id] {
			byName[s.StageName] = s
		}
		for i, stage := range types.FunnelStages {
			s, ok := byName[stage]
			if stage == types.StageCreated && (!ok || !s.Achieved()) {
				// every registered wallet has been created
				counts[i]++
				continue
			}
			if !ok || !s.Achieved() {
				break
			}
			counts[i]++
			if s.TimeToAchieveHours != nil {
				hours[i] += *s.TimeToAchieveHours
				withHours[i]++
			}
		}
	}

	funnel := &models.ProjectFunnel{
		ProjectID:    projectID,
		TotalWallets: int64(len(walletIDs)),
		Stages:       make([]models.FunnelStage, n),
	}
	for i, stage := range types.FunnelStages {
		fs := models.FunnelStage{Stage: stage, WalletCount: counts[i]}
		if i == 0 {
			fs.RateFromPrevious = ratio(float64(counts[i]), float64(len(walletIDs)))
		} else {
			fs.RateFromPrevious = round2(ratio(float64(counts[i]), float64(counts[i-1])))
		}
		fs.RateFromStart = round2(ratio(float64(counts[i]), float64(counts[0])))
		if withHours[i] > 0 {
			avg := round2(hours[i] / float64(withHours[i]))
			fs.AvgTimeToAchieveHr = &avg
		}
		funnel.Stages[i] = fs
	}
	return funnel
}
