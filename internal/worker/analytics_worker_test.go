package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-insights/internal/service"
	"github.com/wallet-insights/internal/storage"
	"github.com/wallet-insights/internal/types"
)

type mockProjects struct {
	ids []string
	err error
}

func (m *mockProjects) ListProjectIDs(ctx context.Context) ([]string, error) {
	return m.ids, m.err
}

type mockSyncer struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]bool
}

func (m *mockSyncer) SyncProject(ctx context.Context, projectID string) (*types.BatchResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, projectID)
	m.mu.Unlock()
	if m.failOn[projectID] {
		return nil, errors.New("indexer down")
	}
	r := types.NewBatchResult("sync_project")
	r.Record(types.BatchItem{ID: projectID + "-w1", Status: types.ItemSuccess})
	return r.Finish(), nil
}

func (m *mockSyncer) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type mockCohorts struct {
	runs int
	err  error
}

func (m *mockCohorts) ProcessUnassigned(ctx context.Context) (*types.BatchResult, error) {
	m.runs++
	if m.err != nil {
		return nil, m.err
	}
	return types.NewBatchResult("process_unassigned").Finish(), nil
}

type mockReports struct{}

func (mockReports) GenerateReport(ctx context.Context, projectID string, opts service.ConversionOptions) (*service.ConversionReport, error) {
	return &service.ConversionReport{ProjectID: projectID, FunnelHealth: 80, Status: "healthy"}, nil
}

func newTestCache(t *testing.T) *storage.CacheService {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewCacheService(storage.NewRedisCacheFromClient(client), time.Minute)
}

func TestNewAnalyticsWorker_Validation(t *testing.T) {
	_, err := NewAnalyticsWorker(&AnalyticsWorkerConfig{})
	assert.Error(t, err)

	_, err = NewAnalyticsWorker(&AnalyticsWorkerConfig{Projects: &mockProjects{}})
	assert.Error(t, err)

	w, err := NewAnalyticsWorker(&AnalyticsWorkerConfig{
		Projects: &mockProjects{},
		Syncer:   &mockSyncer{},
		Cohorts:  &mockCohorts{},
	})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, w.interval)
	assert.Equal(t, 30*time.Minute, w.reportTTL)
}

func TestRunCycle_CachesReportsAndRecordsFailures(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	syncer := &mockSyncer{failOn: map[string]bool{"p-2": true}}
	cohorts := &mockCohorts{}

	w, err := NewAnalyticsWorker(&AnalyticsWorkerConfig{
		Projects: &mockProjects{ids: []string{"p-1", "p-2"}},
		Syncer:   syncer,
		Cohorts:  cohorts,
		Reports:  mockReports{},
		Cache:    cache,
		Interval: time.Minute,
	})
	require.NoError(t, err)

	result, err := w.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Projects.Total)
	assert.Equal(t, 1, result.Projects.Succeeded)
	assert.Equal(t, 1, result.Projects.Failed)
	assert.Equal(t, 1, cohorts.runs)

	var cached service.ConversionReport
	found, err := cache.Get(ctx, ReportCacheKey(cache, "p-1"), &cached)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "p-1", cached.ProjectID)

	found, err = cache.Get(ctx, ReportCacheKey(cache, "p-2"), &cached)
	require.NoError(t, err)
	assert.False(t, found)

	reader := NewCachedReports(cache, 0)
	report, ok := reader.CachedReport(ctx, "p-1")
	require.True(t, ok)
	assert.Equal(t, 80.0, report.FunnelHealth)
	assert.False(t, report.Stale)
	_, ok = reader.CachedReport(ctx, "p-2")
	assert.False(t, ok)

	st := w.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.TrackedProjects)
	assert.Empty(t, st.LastCycleErr)
}

func TestCachedReports_MarksOldReportsStale(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	generated := time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, cache.Set(ctx, ReportCacheKey(cache, "p-1"), &service.ConversionReport{ProjectID: "p-1", GeneratedAt: generated}))

	reader := NewCachedReports(cache, 15*time.Minute)
	reader.now = func() time.Time { return generated.Add(10 * time.Minute) }
	report, ok := reader.CachedReport(ctx, "p-1")
	require.True(t, ok)
	assert.False(t, report.Stale)

	// a missed cycle leaves syncs since then out of the report
	reader.now = func() time.Time { return generated.Add(20 * time.Minute) }
	report, ok = reader.CachedReport(ctx, "p-1")
	require.True(t, ok)
	assert.True(t, report.Stale)
	assert.Equal(t, "p-1", report.ProjectID)
}

func TestRunCycle_FailedProjectsGoFirstNextCycle(t *testing.T) {
	syncer := &mockSyncer{failOn: map[string]bool{"p-b": true}}
	w, err := NewAnalyticsWorker(&AnalyticsWorkerConfig{
		Projects: &mockProjects{ids: []string{"p-a", "p-b"}},
		Syncer:   syncer,
		Cohorts:  &mockCohorts{},
	})
	require.NoError(t, err)

	_, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = w.RunCycle(context.Background())
	require.NoError(t, err)

	calls := syncer.called()
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"p-a", "p-b"}, calls[:2])
	assert.Equal(t, "p-b", calls[2])
}

func TestRunCycle_CohortFailureDoesNotFailCycle(t *testing.T) {
	w, err := NewAnalyticsWorker(&AnalyticsWorkerConfig{
		Projects: &mockProjects{ids: []string{"p-1"}},
		Syncer:   &mockSyncer{},
		Cohorts:  &mockCohorts{err: errors.New("db gone")},
	})
	require.NoError(t, err)

	result, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Cohorts)
	assert.Equal(t, 1, result.Projects.Succeeded)
}

func TestRunCycle_ProjectListingError(t *testing.T) {
	w, err := NewAnalyticsWorker(&AnalyticsWorkerConfig{
		Projects: &mockProjects{err: errors.New("boom")},
		Syncer:   &mockSyncer{},
		Cohorts:  &mockCohorts{},
	})
	require.NoError(t, err)

	_, err = w.RunCycle(context.Background())
	assert.Error(t, err)
	assert.Contains(t, w.Status().LastCycleErr, "boom")
}

func TestStartStop(t *testing.T) {
	syncer := &mockSyncer{}
	w, err := NewAnalyticsWorker(&AnalyticsWorkerConfig{
		Projects: &mockProjects{ids: []string{"p-1"}},
		Syncer:   syncer,
		Cohorts:  &mockCohorts{},
		Interval: time.Hour,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx), "second start must fail")

	assert.Eventually(t, func() bool { return len(syncer.called()) == 1 }, time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
	assert.False(t, w.Status().Running)
	assert.Error(t, w.Stop(stopCtx))
}
