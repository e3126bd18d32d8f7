package api

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/privacy"
	"github.com/wallet-insights/internal/service"
	"github.com/wallet-insights/internal/types"
)

// mockWallets resolves wallets from a fixed map
type mockWallets struct {
	wallets map[string]*models.Wallet
}

func (m *mockWallets) GetByID(ctx context.Context, id string) (*models.Wallet, error) {
	if w, ok := m.wallets[id]; ok {
		return w, nil
	}
	return nil, apperrors.NewNotFoundError("wallet", id)
}

type mockAdoption struct {
	initialized []string
	newly       []types.StageName
}

func (m *mockAdoption) Initialize(ctx context.Context, walletID string) error {
	m.initialized = append(m.initialized, walletID)
	return nil
}

func (m *mockAdoption) UpdateStages(ctx context.Context, walletID string) ([]types.StageName, error) {
	return m.newly, nil
}

func (m *mockAdoption) GetStatus(ctx context.Context, walletID string) (*models.StageStatus, error) {
	return &models.StageStatus{WalletID: walletID, CurrentStage: types.StageCreated}, nil
}

func (m *mockAdoption) GetProjectFunnel(ctx context.Context, projectID string) (*models.ProjectFunnel, error) {
	return &models.ProjectFunnel{ProjectID: projectID, TotalWallets: 10}, nil
}

type mockCohorts struct {
	listedType types.CohortType
	rangeStart time.Time
	rangeEnd   time.Time
}

func (m *mockCohorts) Assign(ctx context.Context, walletID string) ([]service.CohortAssignment, error) {
	return []service.CohortAssignment{{CohortType: types.CohortWeekly, Assigned: true}}, nil
}

func (m *mockCohorts) ProcessUnassigned(ctx context.Context) (*types.BatchResult, error) {
	return types.NewBatchResult("process_unassigned").Finish(), nil
}

func (m *mockCohorts) CreateForRange(ctx context.Context, start, end time.Time, cohortType types.CohortType) (*service.CohortRangeResult, error) {
	m.rangeStart, m.rangeEnd = start, end
	return &service.CohortRangeResult{Created: 2}, nil
}

func (m *mockCohorts) GetCohort(ctx context.Context, id string) (*models.CohortDetail, error) {
	return nil, apperrors.NewNotFoundError("cohort", id)
}

func (m *mockCohorts) ListCohorts(ctx context.Context, cohortType types.CohortType, limit int) ([]*models.WalletCohort, error) {
	m.listedType = cohortType
	return []*models.WalletCohort{}, nil
}

func (m *mockCohorts) GetStatistics(ctx context.Context) (*models.CohortStatistics, error) {
	return &models.CohortStatistics{TotalCohorts: 3}, nil
}

type mockProductivity struct{}

func (mockProductivity) Recompute(ctx context.Context, walletID string) (*models.ProductivityScore, error) {
	return &models.ProductivityScore{WalletID: walletID, TotalScore: 55}, nil
}

func (mockProductivity) RecomputeProject(ctx context.Context, projectID string) (*types.BatchResult, error) {
	return types.NewBatchResult("recompute_project").Finish(), nil
}

func (mockProductivity) GetProjectSummary(ctx context.Context, projectID string) (*models.ProductivitySummary, error) {
	return &models.ProductivitySummary{ProjectID: projectID}, nil
}

// mockCorrelation records the options of the last call
type mockCorrelation struct {
	mu        sync.Mutex
	lastOpts  service.CorrelationOptions
	dimension service.Dimension
}

func (m *mockCorrelation) record(d service.Dimension, projectID string, opts service.CorrelationOptions) (*service.CorrelationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOpts, m.dimension = opts, d
	return &service.CorrelationResult{ProjectID: projectID, Dimension: d}, nil
}

func (m *mockCorrelation) AnalyzeByType(ctx context.Context, projectID string, opts service.CorrelationOptions) (*service.CorrelationResult, error) {
	return m.record(service.DimensionTxType, projectID, opts)
}

func (m *mockCorrelation) AnalyzeByDiversity(ctx context.Context, projectID string, opts service.CorrelationOptions) (*service.CorrelationResult, error) {
	return m.record(service.DimensionDiversity, projectID, opts)
}

func (m *mockCorrelation) AnalyzeByVolume(ctx context.Context, projectID string, opts service.CorrelationOptions) (*service.CorrelationResult, error) {
	return m.record(service.DimensionVolume, projectID, opts)
}

func (m *mockCorrelation) AnalyzeByFrequency(ctx context.Context, projectID string, opts service.CorrelationOptions) (*service.CorrelationResult, error) {
	return m.record(service.DimensionFrequency, projectID, opts)
}

func (m *mockCorrelation) GenerateInsights(ctx context.Context, projectID string, opts service.CorrelationOptions) (*service.InsightReport, error) {
	return &service.InsightReport{ProjectID: projectID}, nil
}

type mockConversion struct {
	generated int
	lastOpts  service.ConversionOptions
}

func (m *mockConversion) CalculateConversions(ctx context.Context, projectID string, opts service.ConversionOptions) ([]service.StageConversion, error) {
	m.lastOpts = opts
	return []service.StageConversion{}, nil
}

func (m *mockConversion) IdentifyDropoffs(ctx context.Context, projectID string, opts service.ConversionOptions) ([]service.DropOff, error) {
	m.lastOpts = opts
	return []service.DropOff{}, nil
}

func (m *mockConversion) GenerateReport(ctx context.Context, projectID string, opts service.ConversionOptions) (*service.ConversionReport, error) {
	m.generated++
	m.lastOpts = opts
	return &service.ConversionReport{ProjectID: projectID, Status: "fresh"}, nil
}

type mockPrivacy struct {
	grants      int
	revoked     []string
	revokeScope string
}

func (m *mockPrivacy) ChangeMode(ctx context.Context, walletID string, to types.PrivacyMode, setupConfirmed bool) (*models.PrivacyPreference, error) {
	if to == types.PrivacyMonetizable && !setupConfirmed {
		return nil, apperrors.NewInvalidTransitionError(types.PrivacyPrivate, to, "setup not confirmed")
	}
	return &models.PrivacyPreference{WalletID: walletID, Mode: to}, nil
}

func (m *mockPrivacy) CheckAccess(ctx context.Context, buyerID, walletID string) (*privacy.AccessDecision, error) {
	return &privacy.AccessDecision{Allowed: false, Level: privacy.AccessDenied, Reason: "private wallet"}, nil
}

func (m *mockPrivacy) CreateGrant(ctx context.Context, buyerID, walletID, projectID string, duration time.Duration) (*models.DataAccessGrant, error) {
	m.grants++
	return &models.DataAccessGrant{ID: "g-1", BuyerID: buyerID}, nil
}

func (m *mockPrivacy) RevokeGrant(ctx context.Context, grantID, projectID string) error {
	m.revoked = append(m.revoked, grantID)
	m.revokeScope = projectID
	return nil
}

// mockDashboard records the accessor each view was built for
type mockDashboard struct {
	lastAccessor privacy.Accessor
	cleared      []string
}

func (m *mockDashboard) GetDashboard(ctx context.Context, projectID string, accessor privacy.Accessor) (*service.Dashboard, error) {
	m.lastAccessor = accessor
	return &service.Dashboard{ProjectID: projectID}, nil
}

func (m *mockDashboard) GetTimeseries(ctx context.Context, projectID string, accessor privacy.Accessor, granularity string, days int) (*service.Timeseries, error) {
	m.lastAccessor = accessor
	if granularity != "" && granularity != "day" && granularity != "week" {
		return nil, apperrors.NewInvalidParameterError("granularity", "must be day or week")
	}
	return &service.Timeseries{ProjectID: projectID, Granularity: granularity}, nil
}

func (m *mockDashboard) Export(ctx context.Context, projectID string, accessor privacy.Accessor, format string) ([]byte, string, error) {
	m.lastAccessor = accessor
	if format == "csv" {
		return []byte("metric,value\ntotal_wallets,10\n"), "text/csv", nil
	}
	return []byte(`{"projectId":"` + projectID + `"}`), "application/json", nil
}

func (m *mockDashboard) ClearCache(ctx context.Context, projectID string) error {
	m.cleared = append(m.cleared, projectID)
	return nil
}

type mockIngestion struct{}

func (mockIngestion) SyncWallet(ctx context.Context, walletID string) (*service.SyncResult, error) {
	return &service.SyncResult{WalletID: walletID, Fetched: 3}, nil
}

func (mockIngestion) SyncProject(ctx context.Context, projectID string) (*types.BatchResult, error) {
	return nil, apperrors.NewUpstreamUnavailableError("indexer", errors.New("connection refused"))
}

type mockReports struct {
	reports map[string]*service.ConversionReport
}

func (m *mockReports) CachedReport(ctx context.Context, projectID string) (*service.ConversionReport, bool) {
	r, ok := m.reports[projectID]
	return r, ok
}

type mockHealth struct{ err error }

func (m mockHealth) Ping(ctx context.Context) error { return m.err }
