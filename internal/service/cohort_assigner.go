package service

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/metrics"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/types"
)

// CohortStore persists cohorts and assignments
type CohortStore interface {
	EnsureCohort(ctx context.Context, cohortType types.CohortType, period time.Time) (*models.WalletCohort, bool, error)
	AssignWallet(ctx context.Context, walletID string, cohortType types.CohortType, period time.Time) (*models.WalletCohort, bool, error)
	GetByID(ctx context.Context, id string) (*models.WalletCohort, error)
	List(ctx context.Context, cohortType types.CohortType, limit int) ([]*models.WalletCohort, error)
	WeeklyActiveMembers(ctx context.Context, cohortID string, maxWeeks int) (map[int]int64, error)
	Statistics(ctx context.Context) (*models.CohortStatistics, error)
}

// CohortWalletSource lists wallets for cohort assignment
type CohortWalletSource interface {
	GetByID(ctx context.Context, id string) (*models.Wallet, error)
	ListUnassigned(ctx context.Context, limit int) ([]*models.Wallet, error)
	CreatedBetween(ctx context.Context, from, to time.Time) ([]*models.Wallet, error)
}

const (
	defaultCohortListLimit = 50
	maxCohortListLimit     = 500
	maxRetentionWeeks      = 12
)

// WeekStart returns the Monday at or before t, UTC, time of day truncated
func WeekStart(t time.Time) time.Time {
	d := models.UTCDate(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// MonthStart returns the first day of t's UTC month
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodStart returns the canonical period start of t for a cohort type
func PeriodStart(cohortType types.CohortType, t time.Time) (time.Time, error) {
	switch cohortType {
	case types.CohortWeekly:
		return WeekStart(t), nil
	case types.CohortMonthly:
		return MonthStart(t), nil
	}
	return time.Time{}, apperrors.NewInvalidParameterError("cohortType", fmt.Sprintf("unknown cohort type %q", cohortType))
}

func nextPeriod(cohortType types.CohortType, p time.Time) time.Time {
	if cohortType == types.CohortMonthly {
		return p.AddDate(0, 1, 0)
	}
	return p.AddDate(0, 0, 7)
}

// CohortAssignment is the outcome of assigning one wallet for one cohort type
type CohortAssignment struct {
	CohortType types.CohortType     `json:"cohortType"`
	Cohort     *models.WalletCohort `json:"cohort"`
	Assigned   bool                 `json:"assigned"`
}

// CohortRangeResult is returned by CreateForRange
type CohortRangeResult struct {
	Cohorts     []*models.WalletCohort `json:"cohorts"`
	Created     int                    `json:"created"`
	Assignments *types.BatchResult     `json:"assignments"`
}

// CohortAssigner buckets wallets into signup cohorts by creation date
type CohortAssigner struct {
	store     CohortStore
	wallets   CohortWalletSource
	batchSize int
	now       func() time.Time
}

// NewCohortAssigner creates a cohort assigner
func NewCohortAssigner(store CohortStore, wallets CohortWalletSource, batchSize int) *CohortAssigner {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &CohortAssigner{
		store:     store,
		wallets:   wallets,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Assign places a wallet in its weekly and monthly cohorts. Existing
// assignments are kept.
func (c *CohortAssigner) Assign(ctx context.Context, walletID string) ([]CohortAssignment, error) {
	w, err := c.wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return c.assignWallet(ctx, w)
}

func (c *CohortAssigner) assignWallet(ctx context.Context, w *models.Wallet) ([]CohortAssignment, error) {
	out := make([]CohortAssignment, 0, len(types.CohortTypes))
	for _, ct := range types.CohortTypes {
		period, _ := PeriodStart(ct, w.CreatedAt)
		cohort, assigned, err := c.store.AssignWallet(ctx, w.ID, ct, period)
		if err != nil {
			return out, err
		}
		out = append(out, CohortAssignment{CohortType: ct, Cohort: cohort, Assigned: assigned})
	}
	return out, nil
}

func (c *CohortAssigner) assignAndRecord(ctx context.Context, w *models.Wallet, result *types.BatchResult) {
	outcomes, err := c.assignWallet(ctx, w)
	item := types.BatchItem{ID: w.ID}
	switch {
	case err != nil:
		item.Status, item.Error = types.ItemFailed, err.Error()
		logging.FromContext(ctx).ForWallet(w.ID).WithError(err).Warn("cohort assignment failed")
	case anyAssigned(outcomes):
		item.Status = types.ItemSuccess
	default:
		item.Status, item.Detail = types.ItemSkipped, "already assigned"
	}
	result.Record(item)
	metrics.RecordBatchItem(result.Operation, string(item.Status))
}

func anyAssigned(outcomes []CohortAssignment) bool {
	for _, o := range outcomes {
		if o.Assigned {
			return true
		}
	}
	return false
}

// ProcessUnassigned assigns every wallet missing a cohort. Running it again
// is a no-op for wallets already assigned.
func (c *CohortAssigner) ProcessUnassigned(ctx context.Context) (*types.BatchResult, error) {
	result := types.NewBatchResult("process_unassigned_cohorts")
	seen := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return result.Finish(), err
		}
		page, err := c.wallets.ListUnassigned(ctx, c.batchSize)
		if err != nil {
			return result.Finish(), err
		}
		progressed := false
		for _, w := range page {
			if seen[w.ID] {
				continue
			}
			seen[w.ID] = true
			progressed = true
			c.assignAndRecord(ctx, w, result)
		}
		// a page of only failed or already seen wallets would loop forever
		if !progressed || len(page) < c.batchSize {
			break
		}
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"total":     result.Total,
		"succeeded": result.Succeeded,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
	}).Info("processed unassigned wallets")
	return result.Finish(), nil
}

// CreateForRange creates every cohort of a type whose period falls in
// [start, end] and assigns wallets created in that range
func (c *CohortAssigner) CreateForRange(ctx context.Context, start, end time.Time, cohortType types.CohortType) (*CohortRangeResult, error) {
	first, err := PeriodStart(cohortType, start)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, apperrors.NewInvalidParameterError("end", "must not be before start")
	}

	res := &CohortRangeResult{Assignments: types.NewBatchResult("backfill_cohorts")}
	for p := first; !p.After(end); p = nextPeriod(cohortType, p) {
		cohort, created, err := c.store.EnsureCohort(ctx, cohortType, p)
		if err != nil {
			return nil, err
		}
		res.Cohorts = append(res.Cohorts, cohort)
		if created {
			res.Created++
		}
	}

	wallets, err := c.wallets.CreatedBetween(ctx, first, nextPeriod(cohortType, PeriodOf(cohortType, end)))
	if err != nil {
		return nil, err
	}
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.assignAndRecord(ctx, w, res.Assignments)
	}
	res.Assignments.Finish()
	return res, nil
}

// PeriodOf is PeriodStart for a known-valid cohort type
func PeriodOf(cohortType types.CohortType, t time.Time) time.Time {
	p, err := PeriodStart(cohortType, t)
	if err != nil {
		return WeekStart(t)
	}
	return p
}

// GetCohort returns a cohort with its weekly retention curve
func (c *CohortAssigner) GetCohort(ctx context.Context, id string) (*models.CohortDetail, error) {
	cohort, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	weeks := int(c.now().Sub(cohort.CohortPeriod).Hours() / (24 * 7))
	if weeks > maxRetentionWeeks {
		weeks = maxRetentionWeeks
	}
	detail := &models.CohortDetail{Cohort: cohort, Retention: []models.CohortRetentionPoint{}}
	if weeks < 1 {
		return detail, nil
	}

	active, err := c.store.WeeklyActiveMembers(ctx, id, weeks)
	if err != nil {
		return nil, err
	}
	for week := 1; week <= weeks; week++ {
		n := active[week]
		detail.Retention = append(detail.Retention, models.CohortRetentionPoint{
			Week:          week,
			ActiveWallets: n,
			RetentionRate: round2(ratio(float64(n), float64(cohort.WalletCount))),
		})
	}
	return detail, nil
}

// ListCohorts lists cohorts newest first. An empty type lists both types.
func (c *CohortAssigner) ListCohorts(ctx context.Context, cohortType types.CohortType, limit int) ([]*models.WalletCohort, error) {
	if cohortType != "" {
		if _, err := PeriodStart(cohortType, time.Time{}); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = defaultCohortListLimit
	}
	if limit > maxCohortListLimit {
		limit = maxCohortListLimit
	}
	return c.store.List(ctx, cohortType, limit)
}

// GetStatistics summarises cohort coverage
func (c *CohortAssigner) GetStatistics(ctx context.Context) (*models.CohortStatistics, error) {
	return c.store.Statistics(ctx)
}
