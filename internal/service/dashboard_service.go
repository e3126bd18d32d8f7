package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/wallet-insights/internal/config"
	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/metrics"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/privacy"
	"github.com/wallet-insights/internal/storage"
	"github.com/wallet-insights/internal/types"
)

// DashboardCache is the JSON cache dashboards are stored in
type DashboardCache interface {
	GenerateCacheKey(keyType storage.CacheKeyType, params ...string) string
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Generation(ctx context.Context, projectID string) (int64, error)
	InvalidateProject(ctx context.Context, projectID string) error
}

// ScoreSummarizer averages productivity scores over wallets
type ScoreSummarizer interface {
	SummaryFor(ctx context.Context, projectID string, wallets []*models.Wallet) (*models.ProductivitySummary, error)
}

// ScoreLister reads stored scores
type ScoreLister interface {
	ListByWallets(ctx context.Context, walletIDs []string) (map[string]*models.ProductivityScore, error)
}

// Export formats
const (
	ExportJSON = "json"
	ExportCSV  = "csv"
)

// Timeseries granularities
const (
	GranularityDay  = "day"
	GranularityWeek = "week"
)

const (
	topWalletCount       = 5
	summaryPeriods       = 12
	defaultSeriesDays    = 90
	maxSeriesDays        = 730
	activeWindow         = 30 * 24 * time.Hour
	backgroundBuildScale = 10
)

// DashboardOverview holds project-wide totals over released wallets
type DashboardOverview struct {
	TotalWallets       int64   `json:"totalWallets"`
	ActiveWallets30d   int64   `json:"activeWallets30d"`
	TotalTransactions  int64   `json:"totalTransactions"`
	TotalVolumeZatoshi int64   `json:"totalVolumeZatoshi"`
	TotalVolumeZEC     string  `json:"totalVolumeZec"`
	TotalFeesZatoshi   int64   `json:"totalFeesZatoshi"`
	AvgActiveDays      float64 `json:"avgActiveDays"`
	ExcludedWallets    int     `json:"excludedWallets"`
}

// CohortBucket is the number of released wallets in one signup period
type CohortBucket struct {
	Period      time.Time `json:"period"`
	WalletCount int64     `json:"walletCount"`
}

// CohortSummary holds recent weekly and monthly signup cohorts
type CohortSummary struct {
	Weekly  []CohortBucket `json:"weekly"`
	Monthly []CohortBucket `json:"monthly"`
}

// Dashboard is the composed project view
type Dashboard struct {
	ProjectID    string                      `json:"projectId"`
	GeneratedAt  time.Time                   `json:"generatedAt"`
	Overview     DashboardOverview           `json:"overview"`
	Productivity *models.ProductivitySummary `json:"productivity,omitempty"`
	Cohorts      CohortSummary               `json:"cohorts"`
	Funnel       *models.ProjectFunnel       `json:"funnel,omitempty"`
	TopWallets   []privacy.Record            `json:"topWallets"`
	Stale        bool                        `json:"stale"`
	Partial      bool                        `json:"partial"`
}

// TimeseriesPoint is one bucket of a time series
type TimeseriesPoint struct {
	PeriodStart   time.Time `json:"periodStart"`
	ActiveWallets int64     `json:"activeWallets"`
	NewWallets    int64     `json:"newWallets"`
	Transactions  int64     `json:"transactions"`
	VolumeZatoshi int64     `json:"volumeZatoshi"`
}

// Timeseries is a project's activity bucketed by day or week
type Timeseries struct {
	ProjectID   string            `json:"projectId"`
	Granularity string            `json:"granularity"`
	From        time.Time         `json:"from"`
	To          time.Time         `json:"to"`
	Points      []TimeseriesPoint `json:"points"`
	GeneratedAt time.Time         `json:"generatedAt"`
	Stale       bool              `json:"stale"`
	Partial     bool              `json:"partial"`
}

// DashboardAggregationService composes and caches project views. The cache
// only saves work: a cached view is byte-for-byte what a rebuild returns.
type DashboardAggregationService struct {
	cfg      config.CacheConfig
	scope    projectScope
	activity ActivityReader
	scores   ScoreLister
	summary  ScoreSummarizer
	funnel   FunnelSource
	cache    DashboardCache
	group    singleflight.Group
	now      func() time.Time
}

// NewDashboardAggregationService creates a dashboard service. cache may be nil.
func NewDashboardAggregationService(
	cfg config.CacheConfig,
	wallets WalletRegistry,
	releaser Releaser,
	activity ActivityReader,
	scores ScoreLister,
	summary ScoreSummarizer,
	funnel FunnelSource,
	cache DashboardCache,
) *DashboardAggregationService {
	return &DashboardAggregationService{
		cfg:      cfg,
		scope:    projectScope{wallets: wallets, releaser: releaser},
		activity: activity,
		scores:   scores,
		summary:  summary,
		funnel:   funnel,
		cache:    cache,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetDashboard returns the project dashboard for a reader
func (s *DashboardAggregationService) GetDashboard(ctx context.Context, projectID string, accessor privacy.Accessor) (*Dashboard, error) {
	accessor = accessor.OrOwner(projectID)
	return cachedView(ctx, s, "dashboard", projectID, []string{"overview", accessor.CacheKey()},
		func(ctx context.Context) (*Dashboard, *time.Time, error) {
			return s.buildDashboard(ctx, projectID, accessor)
		},
		func(d *Dashboard, stale, partial bool) {
			d.ProjectID = projectID
			d.Stale = d.Stale || stale
			d.Partial = d.Partial || partial
		})
}

// GetTimeseries returns activity bucketed by day or week over the last days
func (s *DashboardAggregationService) GetTimeseries(ctx context.Context, projectID string, accessor privacy.Accessor, granularity string, days int) (*Timeseries, error) {
	granularity = strings.ToLower(granularity)
	if granularity == "" {
		granularity = GranularityDay
	}
	if granularity != GranularityDay && granularity != GranularityWeek {
		return nil, apperrors.NewInvalidParameterError("granularity", "must be day or week")
	}
	if days <= 0 {
		days = defaultSeriesDays
	}
	if days > maxSeriesDays {
		return nil, apperrors.NewInvalidParameterError("days", fmt.Sprintf("must not exceed %d", maxSeriesDays))
	}
	accessor = accessor.OrOwner(projectID)

	return cachedView(ctx, s, "timeseries", projectID, []string{"timeseries", granularity, strconv.Itoa(days), accessor.CacheKey()},
		func(ctx context.Context) (*Timeseries, *time.Time, error) {
			return s.buildTimeseries(ctx, projectID, accessor, granularity, days)
		},
		func(t *Timeseries, stale, partial bool) {
			t.ProjectID, t.Granularity = projectID, granularity
			t.Stale = t.Stale || stale
			t.Partial = t.Partial || partial
		})
}

// Export renders the dashboard as JSON or as flattened CSV rows
func (s *DashboardAggregationService) Export(ctx context.Context, projectID string, accessor privacy.Accessor, format string) ([]byte, string, error) {
	format = strings.ToLower(format)
	if format == "" {
		format = ExportJSON
	}
	if format != ExportJSON && format != ExportCSV {
		return nil, "", apperrors.NewInvalidParameterError("format", "must be json or csv")
	}

	d, err := s.GetDashboard(ctx, projectID, accessor)
	if err != nil {
		return nil, "", err
	}
	if format == ExportJSON {
		data, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return nil, "", apperrors.NewInternalError("failed to encode export", err)
		}
		return data, "application/json", nil
	}
	data, err := dashboardCSV(d)
	if err != nil {
		return nil, "", apperrors.NewInternalError("failed to encode export", err)
	}
	return data, "text/csv", nil
}

// ClearCache drops every cached view of a project
func (s *DashboardAggregationService) ClearCache(ctx context.Context, projectID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.InvalidateProject(ctx, projectID); err != nil {
		return apperrors.NewCacheError("clear project cache", err)
	}
	return nil
}

// cachedView serves a view from cache, or rebuilds it within the recompute
// budget. A rebuild that overruns keeps running in the background while the
// caller gets the last good copy marked stale, or an empty view marked partial.
// Keys carry the project's view generation: once a privacy change invalidates
// the project, later reads neither join nor see builds resolved before it.
func cachedView[T any](
	ctx context.Context,
	s *DashboardAggregationService,
	view string,
	projectID string,
	keyParts []string,
	build func(ctx context.Context) (*T, *time.Time, error),
	mark func(v *T, stale, partial bool),
) (*T, error) {
	log := logging.FromContext(ctx).WithField("view", view)

	uncached := func() (*T, error) {
		v, _, err := build(ctx)
		if err != nil {
			return nil, err
		}
		mark(v, false, false)
		return v, nil
	}
	if s.cache == nil {
		return uncached()
	}
	gen, err := s.cache.Generation(ctx, projectID)
	if err != nil {
		log.WithError(err).Warn("view generation unreadable, building uncached")
		return uncached()
	}

	keyParts = append([]string{projectID, "g" + strconv.FormatInt(gen, 10)}, keyParts...)
	freshKey := s.cache.GenerateCacheKey(storage.CacheKeyDashboard, keyParts...)
	staleKey := s.cache.GenerateCacheKey(storage.CacheKeyDashboardStale, keyParts...)

	var cached T
	hit, err := s.cache.Get(ctx, freshKey, &cached)
	if err != nil {
		log.WithError(err).Warn("dashboard cache read failed")
	}
	if hit {
		metrics.RecordCacheResult("hit")
		mark(&cached, false, false)
		return &cached, nil
	}
	metrics.RecordCacheResult("miss")

	budget := s.cfg.RecomputeBudget
	if budget <= 0 {
		budget = 3 * time.Second
	}

	ch := s.group.DoChan(freshKey, func() (interface{}, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget*backgroundBuildScale)
		defer cancel()

		started := time.Now()
		v, grantExpiry, err := build(bctx)
		metrics.ObserveRecompute(view, started)
		if err != nil {
			return nil, err
		}
		if cur, err := s.cache.Generation(bctx, projectID); err != nil || cur != gen {
			log.Debug("project views invalidated during rebuild, not caching")
			return v, nil
		}
		s.store(bctx, freshKey, staleKey, v, grantExpiry)
		return v, nil
	})

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			if apperrors.IsUserError(res.Err) {
				return nil, res.Err
			}
			if v, ok := staleCopy[T](ctx, s, staleKey); ok {
				log.WithError(res.Err).Warn("rebuild failed, serving stale view")
				mark(v, true, false)
				return v, nil
			}
			return nil, res.Err
		}
		out := *res.Val.(*T)
		mark(&out, false, false)
		return &out, nil

	case <-timer.C:
		log.Warnf("rebuild exceeded %s budget", budget)
		if v, ok := staleCopy[T](ctx, s, staleKey); ok {
			mark(v, true, false)
			return v, nil
		}
		metrics.RecordCacheResult("partial")
		var empty T
		mark(&empty, false, true)
		return &empty, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func staleCopy[T any](ctx context.Context, s *DashboardAggregationService, key string) (*T, bool) {
	var v T
	hit, err := s.cache.Get(ctx, key, &v)
	if err != nil || !hit {
		return nil, false
	}
	metrics.RecordCacheResult("stale")
	return &v, true
}

// store caches a view. Views built under a data access grant never outlive it.
func (s *DashboardAggregationService) store(ctx context.Context, freshKey, staleKey string, v interface{}, grantExpiry *time.Time) {
	ttl, staleTTL := s.cfg.DashboardTTL, s.cfg.StaleTTL
	if grantExpiry != nil {
		until := grantExpiry.Sub(s.now())
		if until < ttl {
			ttl = until
		}
		if until < staleTTL {
			staleTTL = until
		}
	}
	log := logging.FromContext(ctx)
	if ttl > 0 {
		if err := s.cache.SetWithTTL(ctx, freshKey, v, ttl); err != nil {
			log.WithError(err).Warn("failed to cache dashboard view")
		}
	}
	if staleTTL > 0 {
		if err := s.cache.SetWithTTL(ctx, staleKey, v, staleTTL); err != nil {
			log.WithError(err).Warn("failed to cache stale dashboard view")
		}
	}
}

func (s *DashboardAggregationService) buildDashboard(ctx context.Context, projectID string, accessor privacy.Accessor) (*Dashboard, *time.Time, error) {
	rel, err := s.scope.release(ctx, projectID, accessor)
	if err != nil {
		return nil, nil, err
	}
	wallets, ids := rel.Wallets(), rel.WalletIDs()

	activity, err := s.activity.ListByWallets(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	summary, err := s.summary.SummaryFor(ctx, projectID, wallets)
	if err != nil {
		return nil, nil, err
	}
	summary.ExcludedByPrivacy = int64(rel.Excluded())
	funnel, err := s.funnel.FunnelFor(ctx, projectID, ids)
	if err != nil {
		return nil, nil, err
	}
	scores, err := s.scores.ListByWallets(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	d := &Dashboard{
		ProjectID:    projectID,
		GeneratedAt:  now,
		Overview:     buildOverview(wallets, activity, now),
		Productivity: summary,
		Cohorts:      buildCohortSummary(wallets),
		Funnel:       funnel,
		TopWallets:   topWallets(rel, activity, scores),
		Partial:      rel.Partial(),
	}
	d.Overview.ExcludedWallets = rel.Excluded()
	return d, rel.GrantExpiry(), nil
}

func buildOverview(wallets []*models.Wallet, activity map[string][]*models.WalletActivityMetric, now time.Time) DashboardOverview {
	o := DashboardOverview{TotalWallets: int64(len(wallets))}
	var activeDays int64
	for _, w := range wallets {
		snap := models.SnapshotFrom(w.ID, activity[w.ID])
		o.TotalTransactions += snap.TotalTransactions
		o.TotalVolumeZatoshi += snap.TotalVolume
		o.TotalFeesZatoshi += snap.TotalFees
		activeDays += int64(snap.ActiveDays)
		if snap.LastTxAt != nil && now.Sub(*snap.LastTxAt) <= activeWindow {
			o.ActiveWallets30d++
		}
	}
	o.TotalVolumeZEC = ZatoshiToZEC(o.TotalVolumeZatoshi)
	if len(wallets) > 0 {
		o.AvgActiveDays = round2(float64(activeDays) / float64(len(wallets)))
	}
	return o
}

// ZatoshiToZEC formats a zatoshi amount in whole coins with full precision
func ZatoshiToZEC(zat int64) string {
	return decimal.New(zat, 0).Div(decimal.New(types.ZatoshiPerZEC, 0)).StringFixed(8)
}

func buildCohortSummary(wallets []*models.Wallet) CohortSummary {
	bucket := func(ct types.CohortType) []CohortBucket {
		counts := make(map[time.Time]int64)
		for _, w := range wallets {
			counts[PeriodOf(ct, w.CreatedAt)]++
		}
		out := make([]CohortBucket, 0, len(counts))
		for p, n := range counts {
			out = append(out, CohortBucket{Period: p, WalletCount: n})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Period.After(out[j].Period) })
		if len(out) > summaryPeriods {
			out = out[:summaryPeriods]
		}
		return out
	}
	return CohortSummary{Weekly: bucket(types.CohortWeekly), Monthly: bucket(types.CohortMonthly)}
}

// topWallets lists the highest scoring wallets, each shaped by the release
func topWallets(rel *privacy.Release, activity map[string][]*models.WalletActivityMetric, scores map[string]*models.ProductivityScore) []privacy.Record {
	wallets := rel.Wallets()
	scored := make([]*models.Wallet, 0, len(wallets))
	for _, w := range wallets {
		if _, ok := scores[w.ID]; ok {
			scored = append(scored, w)
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		a, b := scores[scored[i].ID].TotalScore, scores[scored[j].ID].TotalScore
		if a != b {
			return a > b
		}
		return scored[i].ID < scored[j].ID
	})

	out := make([]privacy.Record, 0, topWalletCount)
	for _, w := range scored {
		if len(out) == topWalletCount {
			break
		}
		snap := models.SnapshotFrom(w.ID, activity[w.ID])
		sc := scores[w.ID]
		rec, ok := rel.Present(w.ID, privacy.Record{
			"wallet_id":         w.ID,
			"address":           w.Address,
			"total_score":       sc.TotalScore,
			"status":            string(sc.Status),
			"active_days":       snap.ActiveDays,
			"transaction_count": snap.TotalTransactions,
			"volume":            snap.TotalVolume,
		})
		if ok {
			out = append(out, rec)
		}
	}
	return out
}

func (s *DashboardAggregationService) buildTimeseries(ctx context.Context, projectID string, accessor privacy.Accessor, granularity string, days int) (*Timeseries, *time.Time, error) {
	rel, err := s.scope.release(ctx, projectID, accessor)
	if err != nil {
		return nil, nil, err
	}
	activity, err := s.activity.ListByWallets(ctx, rel.WalletIDs())
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	periodOf := models.UTCDate
	step := func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	if granularity == GranularityWeek {
		periodOf = WeekStart
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	}
	from := periodOf(now.AddDate(0, 0, -(days - 1)))
	to := periodOf(now)

	points := make(map[time.Time]*TimeseriesPoint)
	var order []time.Time
	for p := from; !p.After(to); p = step(p) {
		points[p] = &TimeseriesPoint{PeriodStart: p}
		order = append(order, p)
	}

	for _, w := range rel.Wallets() {
		if pt, ok := points[periodOf(w.CreatedAt)]; ok {
			pt.NewWallets++
		}
		seen := make(map[time.Time]bool)
		for _, m := range activity[w.ID] {
			p := periodOf(m.ActivityDate)
			pt, ok := points[p]
			if !ok {
				continue
			}
			pt.Transactions += m.TransactionCount
			pt.VolumeZatoshi += m.VolumeZatoshi
			if m.IsActive && !seen[p] {
				seen[p] = true
				pt.ActiveWallets++
			}
		}
	}

	ts := &Timeseries{
		ProjectID:   projectID,
		Granularity: granularity,
		From:        from,
		To:          to,
		Points:      make([]TimeseriesPoint, 0, len(order)),
		GeneratedAt: now,
		Partial:     rel.Partial(),
	}
	for _, p := range order {
		ts.Points = append(ts.Points, *points[p])
	}
	return ts, rel.GrantExpiry(), nil
}

// dashboardCSV flattens a dashboard into section,metric,value rows
func dashboardCSV(d *Dashboard) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{{"section", "metric", "value"}}
	add := func(section, metric string, value interface{}) {
		rows = append(rows, []string{section, metric, fmt.Sprint(value)})
	}

	add("meta", "project_id", d.ProjectID)
	add("meta", "generated_at", d.GeneratedAt.Format(time.RFC3339))
	add("meta", "stale", d.Stale)
	add("meta", "partial", d.Partial)

	o := d.Overview
	add("overview", "total_wallets", o.TotalWallets)
	add("overview", "active_wallets_30d", o.ActiveWallets30d)
	add("overview", "total_transactions", o.TotalTransactions)
	add("overview", "total_volume_zatoshi", o.TotalVolumeZatoshi)
	add("overview", "total_volume_zec", o.TotalVolumeZEC)
	add("overview", "total_fees_zatoshi", o.TotalFeesZatoshi)
	add("overview", "avg_active_days", o.AvgActiveDays)
	add("overview", "excluded_wallets", o.ExcludedWallets)

	if p := d.Productivity; p != nil {
		add("productivity", "avg_total_score", p.AvgTotalScore)
		add("productivity", "avg_retention_score", p.AvgRetention)
		add("productivity", "avg_adoption_score", p.AvgAdoption)
		add("productivity", "avg_activity_score", p.AvgActivity)
		add("productivity", "avg_diversity_score", p.AvgDiversity)
		for _, st := range []types.ScoreStatus{types.StatusHealthy, types.StatusAtRisk, types.StatusChurn} {
			add("productivity", "status_"+string(st), p.StatusCounts[st])
		}
	}
	if f := d.Funnel; f != nil {
		for _, st := range f.Stages {
			add("funnel", string(st.Stage)+"_wallets", st.WalletCount)
			add("funnel", string(st.Stage)+"_rate_from_previous", st.RateFromPrevious)
		}
	}
	for _, c := range d.Cohorts.Weekly {
		add("cohort_weekly", c.Period.Format("2006-01-02"), c.WalletCount)
	}
	for _, c := range d.Cohorts.Monthly {
		add("cohort_monthly", c.Period.Format("2006-01-02"), c.WalletCount)
	}

	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
