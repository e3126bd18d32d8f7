// Package worker runs the periodic analytics jobs: project sync, cohort
// backfill and conversion report generation.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/metrics"
	"github.com/wallet-insights/internal/service"
	"github.com/wallet-insights/internal/storage"
	"github.com/wallet-insights/internal/types"
)

// ProjectLister enumerates projects that own at least one wallet
type ProjectLister interface {
	ListProjectIDs(ctx context.Context) ([]string, error)
}

// ProjectSyncer ingests new transactions for every wallet of a project
type ProjectSyncer interface {
	SyncProject(ctx context.Context, projectID string) (*types.BatchResult, error)
}

// CohortProcessor assigns cohorts to wallets that have none yet
type CohortProcessor interface {
	ProcessUnassigned(ctx context.Context) (*types.BatchResult, error)
}

// ReportGenerator builds a project's conversion report
type ReportGenerator interface {
	GenerateReport(ctx context.Context, projectID string, opts service.ConversionOptions) (*service.ConversionReport, error)
}

// ReportCache stores generated reports
type ReportCache interface {
	GenerateCacheKey(keyType storage.CacheKeyType, params ...string) string
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type cacheKeyer interface {
	GenerateCacheKey(keyType storage.CacheKeyType, params ...string) string
}

// ReportCacheKey is the key the worker stores a project's owner report under
func ReportCacheKey(cache cacheKeyer, projectID string) string {
	return cache.GenerateCacheKey(storage.CacheKeyReport, projectID, "owner")
}

// ReportLookup reads cached reports
type ReportLookup interface {
	GenerateCacheKey(keyType storage.CacheKeyType, params ...string) string
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
}

// CachedReports serves the reports the worker stored
type CachedReports struct {
	cache  ReportLookup
	maxAge time.Duration
	now    func() time.Time
}

// NewCachedReports creates a reader over the report cache. Reports generated
// more than maxAge ago are served marked stale; the worker regenerates them
// once per interval, so maxAge is normally that interval.
func NewCachedReports(cache ReportLookup, maxAge time.Duration) *CachedReports {
	return &CachedReports{cache: cache, maxAge: maxAge, now: time.Now}
}

// CachedReport returns the owner report of a project if one is cached.
// Cache errors read as a miss.
func (c *CachedReports) CachedReport(ctx context.Context, projectID string) (*service.ConversionReport, bool) {
	var report service.ConversionReport
	found, err := c.cache.Get(ctx, ReportCacheKey(c.cache, projectID), &report)
	if err != nil {
		logging.FromContext(ctx).ForProject(projectID).WithError(err).Warn("Report cache read failed")
		return nil, false
	}
	if !found {
		return nil, false
	}
	report.Stale = c.maxAge > 0 && c.now().Sub(report.GeneratedAt) > c.maxAge
	return &report, true
}

// AnalyticsWorkerConfig holds the collaborators of an analytics worker
type AnalyticsWorkerConfig struct {
	Projects ProjectLister
	Syncer   ProjectSyncer
	Cohorts  CohortProcessor
	Reports  ReportGenerator
	Cache    ReportCache
	Interval time.Duration

	// ReportTTL defaults to twice the interval so a report survives one missed cycle
	ReportTTL time.Duration
}

// CycleResult summarises one worker cycle
type CycleResult struct {
	Projects *types.BatchResult `json:"projects"`
	Cohorts  *types.BatchResult `json:"cohorts,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// WorkerStatus is a point-in-time view of the worker
type WorkerStatus struct {
	Running         bool      `json:"running"`
	LastCycleAt     time.Time `json:"lastCycleAt"`
	LastCycleErr    string    `json:"lastCycleError,omitempty"`
	TrackedProjects int       `json:"trackedProjects"`
}

// AnalyticsWorker periodically refreshes analytics for every project
type AnalyticsWorker struct {
	projects  ProjectLister
	syncer    ProjectSyncer
	cohorts   CohortProcessor
	reports   ReportGenerator
	cache     ReportCache
	queue     *ProjectQueue
	interval  time.Duration
	reportTTL time.Duration

	mu           sync.RWMutex
	running      bool
	lastCycleAt  time.Time
	lastCycleErr error
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// NewAnalyticsWorker creates a worker
func NewAnalyticsWorker(cfg *AnalyticsWorkerConfig) (*AnalyticsWorker, error) {
	if cfg.Projects == nil {
		return nil, fmt.Errorf("project lister cannot be nil")
	}
	if cfg.Syncer == nil {
		return nil, fmt.Errorf("project syncer cannot be nil")
	}
	if cfg.Cohorts == nil {
		return nil, fmt.Errorf("cohort processor cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	reportTTL := cfg.ReportTTL
	if reportTTL <= 0 {
		reportTTL = 2 * interval
	}

	return &AnalyticsWorker{
		projects:  cfg.Projects,
		syncer:    cfg.Syncer,
		cohorts:   cfg.Cohorts,
		reports:   cfg.Reports,
		cache:     cfg.Cache,
		queue:     NewProjectQueue(),
		interval:  interval,
		reportTTL: reportTTL,
	}, nil
}

// Start runs one cycle immediately and then one per interval until Stop
// is called or ctx is cancelled
func (w *AnalyticsWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("analytics worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	logging.FromContext(ctx).WithField("interval", w.interval.String()).Info("Starting analytics worker")

	go w.loop(ctx)
	return nil
}

// Stop signals the loop and waits for the in-flight cycle to finish
func (w *AnalyticsWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("analytics worker is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	logging.FromContext(ctx).Info("Analytics worker stopped")
	return nil
}

func (w *AnalyticsWorker) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runLogged(ctx)
		}
	}
}

func (w *AnalyticsWorker) runLogged(ctx context.Context) {
	result, err := w.RunCycle(ctx)
	logger := logging.FromContext(ctx)
	if err != nil {
		logger.WithError(err).Error("Analytics cycle failed")
		return
	}
	logger.WithFields(map[string]interface{}{
		"projects": result.Projects.Total,
		"failed":   result.Projects.Failed,
		"duration": result.Duration.String(),
	}).Info("Analytics cycle complete")
}

// RunCycle syncs every project, assigns pending cohorts and refreshes the
// cached conversion reports. Per-project failures are recorded in the result.
func (w *AnalyticsWorker) RunCycle(ctx context.Context) (*CycleResult, error) {
	started := time.Now()
	defer func() {
		metrics.WorkerCycleSeconds.Observe(time.Since(started).Seconds())
	}()

	result, err := w.runCycle(ctx)

	w.mu.Lock()
	w.lastCycleAt = started
	w.lastCycleErr = err
	w.mu.Unlock()

	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(started)
	return result, nil
}

func (w *AnalyticsWorker) runCycle(ctx context.Context) (*CycleResult, error) {
	logger := logging.FromContext(ctx)

	ids, err := w.projects.ListProjectIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	w.queue.Refresh(ids)

	projects := types.NewBatchResult("worker_cycle")
	for _, projectID := range w.queue.Ordered() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		item := w.processProject(ctx, projectID)
		w.queue.MarkRun(projectID, time.Now().UTC(), item.Status == types.ItemFailed)
		projects.Record(item)
		metrics.RecordBatchItem(projects.Operation, string(item.Status))
	}

	cohorts, err := w.cohorts.ProcessUnassigned(ctx)
	if err != nil {
		// Cohort assignment is retried next cycle; the project results still stand.
		logger.WithError(err).Warn("Cohort assignment failed")
	}

	return &CycleResult{Projects: projects.Finish(), Cohorts: cohorts}, nil
}

func (w *AnalyticsWorker) processProject(ctx context.Context, projectID string) types.BatchItem {
	logger := logging.FromContext(ctx).ForProject(projectID)

	synced, err := w.syncer.SyncProject(ctx, projectID)
	if err != nil {
		logger.WithError(err).Warn("Project sync failed")
		return types.BatchItem{ID: projectID, Status: types.ItemFailed, Error: err.Error()}
	}

	detail := fmt.Sprintf("wallets=%d failed=%d", synced.Total, synced.Failed)
	if w.reports == nil || w.cache == nil {
		return types.BatchItem{ID: projectID, Status: types.ItemSuccess, Detail: detail}
	}

	report, err := w.reports.GenerateReport(ctx, projectID, service.ConversionOptions{})
	if err != nil {
		logger.WithError(err).Warn("Conversion report failed")
		return types.BatchItem{ID: projectID, Status: types.ItemFailed, Detail: detail, Error: err.Error()}
	}
	if err := w.cache.SetWithTTL(ctx, ReportCacheKey(w.cache, projectID), report, w.reportTTL); err != nil {
		logger.WithError(err).Warn("Failed to cache conversion report")
	}
	return types.BatchItem{ID: projectID, Status: types.ItemSuccess, Detail: detail}
}

// Status returns the worker's current state
func (w *AnalyticsWorker) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	st := WorkerStatus{
		Running:         w.running,
		LastCycleAt:     w.lastCycleAt,
		TrackedProjects: w.queue.Len(),
	}
	if w.lastCycleErr != nil {
		st.LastCycleErr = w.lastCycleErr.Error()
	}
	return st
}
