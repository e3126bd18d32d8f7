package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/wallet-insights/internal/config"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/privacy"
	"github.com/wallet-insights/internal/types"
)

// Dimension is a behavioural axis wallets are grouped along
type Dimension string

const (
	DimensionTxType    Dimension = "tx_type"
	DimensionDiversity Dimension = "diversity"
	DimensionVolume    Dimension = "volume"
	DimensionFrequency Dimension = "frequency"
)

// Dimensions is the order insights are generated in
var Dimensions = []Dimension{DimensionTxType, DimensionDiversity, DimensionVolume, DimensionFrequency}

// CorrelationOptions narrows an analysis
type CorrelationOptions struct {
	ActiveOnly    bool
	MinSampleSize int
	Accessor      privacy.Accessor
}

// CorrelationGroup is the retention profile of one group of wallets
type CorrelationGroup struct {
	Label                    string  `json:"label"`
	WalletCount              int     `json:"walletCount"`
	Retention7d              float64 `json:"retention7d"`
	Retention30d             float64 `json:"retention30d"`
	AvgActiveDays            float64 `json:"avgActiveDays"`
	AvgComplexity            float64 `json:"avgComplexity"`
	StatisticallySignificant bool    `json:"statisticallySignificant"`
}

// CorrelationResult is one dimension's grouping. Groups below the minimum
// sample size are returned with StatisticallySignificant=false.
type CorrelationResult struct {
	ProjectID                string             `json:"projectId"`
	Dimension                Dimension          `json:"dimension"`
	Groups                   []CorrelationGroup `json:"groups"`
	SampleSize               int                `json:"sampleSize"`
	MinSampleSize            int                `json:"minSampleSize"`
	RetentionSpread          float64            `json:"retentionSpread"`
	Pearson                  *float64           `json:"pearson,omitempty"`
	StatisticallySignificant bool               `json:"statisticallySignificant"`
}

// InsightReport runs every dimension and summarises the findings
type InsightReport struct {
	ProjectID   string               `json:"projectId"`
	Results     []*CorrelationResult `json:"results"`
	Insights    []string             `json:"insights"`
	Summary     string               `json:"summary"`
	GeneratedAt time.Time            `json:"generatedAt"`
	Partial     bool                 `json:"partial"`
}

// walletBehaviour is the per-wallet feature vector for grouping
type walletBehaviour struct {
	txTypes       []string
	distinctTypes int
	volume        int64
	txPerWeek     float64
	activeDays    int
	avgComplexity float64
	transactions  int64
	eligible7     bool
	retained7     bool
	eligible30    bool
	retained30    bool
}

func behaviourOf(w *models.Wallet, activity []*models.WalletActivityMetric, now time.Time) walletBehaviour {
	snap := models.SnapshotFrom(w.ID, activity)
	b := walletBehaviour{
		distinctTypes: snap.UniqueTxTypes,
		volume:        snap.TotalVolume,
		activeDays:    snap.ActiveDays,
		avgComplexity: snap.AvgComplexity,
		transactions:  snap.TotalTransactions,
	}
	for t, n := range snap.TypeCounts {
		if n > 0 {
			b.txTypes = append(b.txTypes, t)
		}
	}
	sort.Strings(b.txTypes)

	age := w.AgeDays(now)
	b.txPerWeek = float64(snap.TotalTransactions) / math.Max(age/7, 1)
	b.eligible7 = age >= 7
	b.eligible30 = age >= 30

	created := models.UTCDate(w.CreatedAt)
	for _, m := range activity {
		if !m.IsActive {
			continue
		}
		d := m.ActivityDate.Sub(created).Hours() / 24
		if d >= 7 {
			b.retained7 = true
		}
		if d >= 30 {
			b.retained30 = true
		}
	}
	return b
}

// Bucket labels
var (
	diversityBuckets = []string{"0", "1", "2", "3", "4+"}
	volumeBuckets    = []string{"<0.01 ZEC", "0.01-0.1 ZEC", "0.1-1 ZEC", "1-10 ZEC", "10+ ZEC"}
	frequencyBuckets = []string{"dormant", "occasional", "weekly", "frequent", "daily"}
	volumeEdges      = []int64{1_000_000, 10_000_000, 100_000_000, 1_000_000_000}
)

func diversityBucket(b walletBehaviour) string {
	if b.distinctTypes >= 4 {
		return "4+"
	}
	return diversityBuckets[b.distinctTypes]
}

func volumeBucket(b walletBehaviour) string {
	for i, edge := range volumeEdges {
		if b.volume < edge {
			return volumeBuckets[i]
		}
	}
	return volumeBuckets[len(volumeBuckets)-1]
}

func frequencyBucket(b walletBehaviour) string {
	switch {
	case b.transactions == 0:
		return "dormant"
	case b.txPerWeek < 0.5:
		return "occasional"
	case b.txPerWeek < 2:
		return "weekly"
	case b.txPerWeek < 7:
		return "frequent"
	default:
		return "daily"
	}
}

var txTypeOrder = []types.TxType{
	types.TxTypeTransfer, types.TxTypeSwap, types.TxTypeBridge,
	types.TxTypeShielding, types.TxTypeBatch, types.TxTypeSelf,
}

type groupAccumulator struct {
	count                  int
	eligible7, retained7   int
	eligible30, retained30 int
	activeDays             float64
	complexity             float64
}

func (g *groupAccumulator) add(b walletBehaviour) {
	g.count++
	g.activeDays += float64(b.activeDays)
	g.complexity += b.avgComplexity
	if b.eligible7 {
		g.eligible7++
		if b.retained7 {
			g.retained7++
		}
	}
	if b.eligible30 {
		g.eligible30++
		if b.retained30 {
			g.retained30++
		}
	}
}

func (g *groupAccumulator) result(label string, minSample int, withComplexity bool) CorrelationGroup {
	out := CorrelationGroup{
		Label:                    label,
		WalletCount:              g.count,
		Retention7d:              round2(ratio(float64(g.retained7), float64(g.eligible7))),
		Retention30d:             round2(ratio(float64(g.retained30), float64(g.eligible30))),
		StatisticallySignificant: g.count >= minSample,
	}
	if g.count > 0 {
		out.AvgActiveDays = round2(g.activeDays / float64(g.count))
		if withComplexity {
			out.AvgComplexity = round2(g.complexity / float64(g.count))
		}
	}
	return out
}

// analyzeDimension groups wallets along one dimension. It is pure and
// deterministic for a fixed now.
func analyzeDimension(projectID string, dim Dimension, behaviours []walletBehaviour, minSample int) *CorrelationResult {
	var labels []string
	var assign func(b walletBehaviour) []string
	var feature func(b walletBehaviour) float64

	switch dim {
	case DimensionTxType:
		for _, t := range txTypeOrder {
			labels = append(labels, string(t))
		}
		assign = func(b walletBehaviour) []string { return b.txTypes }
	case DimensionDiversity:
		labels = diversityBuckets
		assign = func(b walletBehaviour) []string { return []string{diversityBucket(b)} }
		feature = func(b walletBehaviour) float64 { return float64(b.distinctTypes) }
	case DimensionVolume:
		labels = volumeBuckets
		assign = func(b walletBehaviour) []string { return []string{volumeBucket(b)} }
		feature = func(b walletBehaviour) float64 { return float64(b.volume) }
	default:
		dim = DimensionFrequency
		labels = frequencyBuckets
		assign = func(b walletBehaviour) []string { return []string{frequencyBucket(b)} }
		feature = func(b walletBehaviour) float64 { return b.txPerWeek }
	}

	groups := make(map[string]*groupAccumulator, len(labels))
	for _, b := range behaviours {
		for _, l := range assign(b) {
			g, ok := groups[l]
			if !ok {
				g = &groupAccumulator{}
				groups[l] = g
			}
			g.add(b)
		}
	}

	// types outside the canonical order still get reported, after it
	known := make(map[string]bool, len(labels))
	for _, l := range labels {
		known[l] = true
	}
	var extra []string
	for l := range groups {
		if !known[l] {
			extra = append(extra, l)
		}
	}
	sort.Strings(extra)
	labels = append(append([]string{}, labels...), extra...)

	res := &CorrelationResult{
		ProjectID:     projectID,
		Dimension:     dim,
		Groups:        make([]CorrelationGroup, 0, len(labels)),
		SampleSize:    len(behaviours),
		MinSampleSize: minSample,
	}
	for _, l := range labels {
		g, ok := groups[l]
		if !ok {
			continue
		}
		res.Groups = append(res.Groups, g.result(l, minSample, dim == DimensionDiversity))
	}

	significant := 0
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, g := range res.Groups {
		if !g.StatisticallySignificant {
			continue
		}
		significant++
		lo = math.Min(lo, g.Retention30d)
		hi = math.Max(hi, g.Retention30d)
	}
	res.StatisticallySignificant = significant >= 2
	if res.StatisticallySignificant {
		res.RetentionSpread = round2(hi - lo)
	}

	if feature != nil {
		var xs, ys []float64
		for _, b := range behaviours {
			if !b.eligible30 {
				continue
			}
			xs = append(xs, feature(b))
			y := 0.0
			if b.retained30 {
				y = 1
			}
			ys = append(ys, y)
		}
		res.Pearson = Pearson(xs, ys)
	}
	return res
}

// Pearson returns the correlation coefficient of two equal-length series,
// or nil when it is undefined
func Pearson(xs, ys []float64) *float64 {
	n := len(xs)
	if n < 3 || n != len(ys) {
		return nil
	}
	var sx, sy float64
	for i := 0; i < n; i++ {
		sx += xs[i]
		sy += ys[i]
	}
	mx, my := sx/float64(n), sy/float64(n)
	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return nil
	}
	r := clamp(cov/math.Sqrt(vx*vy), -1, 1)
	r = math.Round(r*10000) / 10000
	return &r
}

// CorrelationAnalyzer compares retention across behavioural groups
type CorrelationAnalyzer struct {
	cfg      config.AnalyticsConfig
	scope    projectScope
	activity ActivityReader
	now      func() time.Time
}

// NewCorrelationAnalyzer creates an analyzer
func NewCorrelationAnalyzer(cfg config.AnalyticsConfig, wallets WalletRegistry, releaser Releaser, activity ActivityReader) *CorrelationAnalyzer {
	return &CorrelationAnalyzer{
		cfg:      cfg,
		scope:    projectScope{wallets: wallets, releaser: releaser},
		activity: activity,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *CorrelationAnalyzer) minSample(opts CorrelationOptions) int {
	if opts.MinSampleSize > 0 {
		return opts.MinSampleSize
	}
	return a.cfg.MinSampleSize
}

func (a *CorrelationAnalyzer) load(ctx context.Context, projectID string, opts CorrelationOptions) ([]walletBehaviour, bool, error) {
	rel, err := a.scope.release(ctx, projectID, opts.Accessor)
	if err != nil {
		return nil, false, err
	}
	activity, err := a.activity.ListByWallets(ctx, rel.WalletIDs())
	if err != nil {
		return nil, false, err
	}
	now := a.now()
	out := make([]walletBehaviour, 0, len(rel.Admitted()))
	for _, w := range rel.Wallets() {
		b := behaviourOf(w, activity[w.ID], now)
		if opts.ActiveOnly && b.transactions == 0 {
			continue
		}
		out = append(out, b)
	}
	return out, rel.Partial(), nil
}

func (a *CorrelationAnalyzer) analyze(ctx context.Context, projectID string, dim Dimension, opts CorrelationOptions) (*CorrelationResult, error) {
	behaviours, _, err := a.load(ctx, projectID, opts)
	if err != nil {
		return nil, err
	}
	return analyzeDimension(projectID, dim, behaviours, a.minSample(opts)), nil
}

// AnalyzeByType groups wallets by each transaction type they used
func (a *CorrelationAnalyzer) AnalyzeByType(ctx context.Context, projectID string, opts CorrelationOptions) (*CorrelationResult, error) {
	return a.analyze(ctx, projectID, DimensionTxType, opts)
}

// AnalyzeByDiversity groups wallets by count of distinct transaction types
func (a *CorrelationAnalyzer) AnalyzeByDiversity(ctx context.Context, projectID string, opts CorrelationOptions) (*CorrelationResult, error) {
	return a.analyze(ctx, projectID, DimensionDiversity, opts)
}

// AnalyzeByVolume groups wallets by lifetime volume bucket
func (a *CorrelationAnalyzer) AnalyzeByVolume(ctx context.Context, projectID string, opts CorrelationOptions) (*CorrelationResult, error) {
	return a.analyze(ctx, projectID, DimensionVolume, opts)
}

// AnalyzeByFrequency groups wallets by transactions per week of age
func (a *CorrelationAnalyzer) AnalyzeByFrequency(ctx context.Context, projectID string, opts CorrelationOptions) (*CorrelationResult, error) {
	return a.analyze(ctx, projectID, DimensionFrequency, opts)
}

// GenerateInsights runs every dimension over one load of the data
func (a *CorrelationAnalyzer) GenerateInsights(ctx context.Context, projectID string, opts CorrelationOptions) (*InsightReport, error) {
	behaviours, partial, err := a.load(ctx, projectID, opts)
	if err != nil {
		return nil, err
	}
	minSample := a.minSample(opts)

	report := &InsightReport{ProjectID: projectID, GeneratedAt: a.now(), Partial: partial}
	for _, dim := range Dimensions {
		report.Results = append(report.Results, analyzeDimension(projectID, dim, behaviours, minSample))
	}
	report.Insights, report.Summary = SynthesizeInsights(report.Results, len(behaviours))
	return report, nil
}

// SynthesizeInsights turns grouped numbers into plain-language findings
func SynthesizeInsights(results []*CorrelationResult, wallets int) ([]string, string) {
	insights := make([]string, 0, len(results))
	significant := 0
	var strongest *CorrelationResult

	for _, r := range results {
		if !r.StatisticallySignificant {
			largest := 0
			for _, g := range r.Groups {
				if g.WalletCount > largest {
					largest = g.WalletCount
				}
			}
			insights = append(insights, fmt.Sprintf(
				"Insufficient data for %s: largest group has %d wallets (minimum %d)",
				r.Dimension, largest, r.MinSampleSize))
			continue
		}
		significant++
		best, worst := extremes(r.Groups)
		insights = append(insights, fmt.Sprintf(
			"By %s, wallets in %q retain %.1f%% at 30 days versus %.1f%% in %q (spread %.1f points)",
			r.Dimension, best.Label, best.Retention30d, worst.Retention30d, worst.Label, r.RetentionSpread))
		if strongest == nil || r.RetentionSpread > strongest.RetentionSpread {
			strongest = r
		}
	}

	summary := fmt.Sprintf("Analyzed %d wallets across %d dimensions; %d produced significant findings.",
		wallets, len(results), significant)
	if strongest != nil {
		summary += fmt.Sprintf(" The largest retention spread is by %s (%.1f points).",
			strongest.Dimension, strongest.RetentionSpread)
	}
	return insights, summary
}

// extremes returns the significant groups with highest and lowest 30-day
// retention; ties keep the earlier group
func extremes(groups []CorrelationGroup) (CorrelationGroup, CorrelationGroup) {
	var best, worst CorrelationGroup
	first := true
	for _, g := range groups {
		if !g.StatisticallySignificant {
			continue
		}
		if first {
			best, worst, first = g, g, false
			continue
		}
		if g.Retention30d > best.Retention30d {
			best = g
		}
		if g.Retention30d < worst.Retention30d {
			worst = g
		}
	}
	return best, worst
}
