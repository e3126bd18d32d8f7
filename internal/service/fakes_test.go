package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/privacy"
	"github.com/wallet-insights/internal/storage"
	"github.com/wallet-insights/internal/types"
)

// In-memory stores shared by the service tests

var testNow = time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type memWallets struct {
	mu      sync.Mutex
	wallets map[string]*models.Wallet
	order   []string
	cursors map[string]time.Time
	cohorts *memCohortStore
}

func newMemWallets(ws ...*models.Wallet) *memWallets {
	m := &memWallets{wallets: make(map[string]*models.Wallet), cursors: make(map[string]time.Time)}
	for _, w := range ws {
		m.add(w)
	}
	return m
}

func (m *memWallets) add(w *models.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[w.ID]; !ok {
		m.order = append(m.order, w.ID)
	}
	m.wallets[w.ID] = w
}

func (m *memWallets) GetByID(ctx context.Context, id string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[id]; ok {
		return w, nil
	}
	return nil, apperrors.NewNotFoundError("wallet", id)
}

func (m *memWallets) ListByProject(ctx context.Context, projectID string) ([]*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Wallet
	for _, id := range m.order {
		if w := m.wallets[id]; w.ProjectID == projectID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memWallets) ListUnassigned(ctx context.Context, limit int) ([]*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Wallet
	for _, id := range m.order {
		if m.cohorts != nil && m.cohorts.fullyAssigned(id) {
			continue
		}
		out = append(out, m.wallets[id])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memWallets) CreatedBetween(ctx context.Context, from, to time.Time) ([]*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Wallet
	for _, id := range m.order {
		w := m.wallets[id]
		if !w.CreatedAt.Before(from) && w.CreatedAt.Before(to) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memWallets) SyncCursor(ctx context.Context, walletID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cursors[walletID]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *memWallets) AdvanceSyncCursor(ctx context.Context, walletID string, to time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cursors[walletID]; !ok || to.After(cur) {
		m.cursors[walletID] = to
	}
	return nil
}

// memStages mirrors the stage repository: one row per wallet and stage,
// achieved rows never rewritten
type memStages struct {
	mu   sync.Mutex
	rows map[string]map[types.StageName]*models.WalletAdoptionStage
	// conflicts makes the next N MarkAchieved calls fail as a concurrent writer would
	conflicts int
	marks     int
}

func newMemStages() *memStages {
	return &memStages{rows: make(map[string]map[types.StageName]*models.WalletAdoptionStage)}
}

func (m *memStages) Initialize(ctx context.Context, walletID string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.rows[walletID]
	if !ok {
		rows = make(map[types.StageName]*models.WalletAdoptionStage)
		m.rows[walletID] = rows
	}
	for _, stage := range types.FunnelStages {
		if _, ok := rows[stage]; ok {
			continue
		}
		row := &models.WalletAdoptionStage{WalletID: walletID, StageName: stage, UpdatedAt: createdAt}
		if stage == types.StageCreated {
			at, hours := createdAt.UTC(), 0.0
			row.AchievedAt, row.TimeToAchieveHours, row.ConversionProbability = &at, &hours, 1
		}
		rows[stage] = row
	}
	return nil
}

func (m *memStages) list(walletID string) []*models.WalletAdoptionStage {
	var out []*models.WalletAdoptionStage
	for _, stage := range types.FunnelStages {
		if row, ok := m.rows[walletID][stage]; ok {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out
}

func (m *memStages) ListByWallet(ctx context.Context, walletID string) ([]*models.WalletAdoptionStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(walletID), nil
}

func (m *memStages) ListByWallets(ctx context.Context, walletIDs []string) (map[string][]*models.WalletAdoptionStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]*models.WalletAdoptionStage, len(walletIDs))
	for _, id := range walletIDs {
		if rows := m.list(id); len(rows) > 0 {
			out[id] = rows
		}
	}
	return out, nil
}

func (m *memStages) MarkAchieved(ctx context.Context, stages []*models.WalletAdoptionStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks++
	if m.conflicts > 0 {
		m.conflicts--
		return fmt.Errorf("%w: injected", storage.ErrStageAlreadyAchieved)
	}
	for _, s := range stages {
		if row, ok := m.rows[s.WalletID][s.StageName]; ok && row.Achieved() {
			return fmt.Errorf("%w: %s/%s", storage.ErrStageAlreadyAchieved, s.WalletID, s.StageName)
		}
	}
	for _, s := range stages {
		if m.rows[s.WalletID] == nil {
			m.rows[s.WalletID] = make(map[types.StageName]*models.WalletAdoptionStage)
		}
		cp := *s
		m.rows[s.WalletID][s.StageName] = &cp
	}
	return nil
}

func (m *memStages) UpdateProbabilities(ctx context.Context, walletID string, probs map[types.StageName]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for stage, p := range probs {
		if row, ok := m.rows[walletID][stage]; ok && !row.Achieved() {
			row.ConversionProbability = p
		}
	}
	return nil
}

// achieve marks a stage directly, for seeding funnels
func (m *memStages) achieve(walletID string, stage types.StageName, at time.Time, hours float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[walletID] == nil {
		m.rows[walletID] = make(map[types.StageName]*models.WalletAdoptionStage)
	}
	m.rows[walletID][stage] = &models.WalletAdoptionStage{
		WalletID: walletID, StageName: stage, AchievedAt: &at, TimeToAchieveHours: &hours,
	}
}

// memActivity keeps daily metrics plus the ledger of applied transaction ids
type memActivity struct {
	mu      sync.Mutex
	ledger  map[string]map[string]bool
	metrics map[string]map[time.Time]*models.WalletActivityMetric
	// serializationFailures makes the next N ApplyTransactions calls abort
	serializationFailures int
	applies               int
}

func newMemActivity() *memActivity {
	return &memActivity{
		ledger:  make(map[string]map[string]bool),
		metrics: make(map[string]map[time.Time]*models.WalletActivityMetric),
	}
}

func (m *memActivity) ApplyTransactions(ctx context.Context, walletID string, txs []*models.ProcessedTransaction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applies++
	if m.serializationFailures > 0 {
		m.serializationFailures--
		return 0, fmt.Errorf("%w: injected", storage.ErrSerialization)
	}
	if m.ledger[walletID] == nil {
		m.ledger[walletID] = make(map[string]bool)
		m.metrics[walletID] = make(map[time.Time]*models.WalletActivityMetric)
	}
	var fresh []*models.ProcessedTransaction
	for _, tx := range txs {
		if m.ledger[walletID][tx.TxID] {
			continue
		}
		m.ledger[walletID][tx.TxID] = true
		fresh = append(fresh, tx)
	}
	for _, delta := range models.DailyActivityFrom(walletID, fresh) {
		if cur, ok := m.metrics[walletID][delta.ActivityDate]; ok {
			cur.Merge(delta)
			continue
		}
		m.metrics[walletID][delta.ActivityDate] = delta
	}
	return len(fresh), nil
}

func (m *memActivity) list(walletID string) []*models.WalletActivityMetric {
	out := make([]*models.WalletActivityMetric, 0, len(m.metrics[walletID]))
	for _, v := range m.metrics[walletID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivityDate.Before(out[j].ActivityDate) })
	return out
}

func (m *memActivity) ListByWallet(ctx context.Context, walletID string) ([]*models.WalletActivityMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(walletID), nil
}

func (m *memActivity) ListByWallets(ctx context.Context, walletIDs []string) (map[string][]*models.WalletActivityMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]*models.WalletActivityMetric, len(walletIDs))
	for _, id := range walletIDs {
		out[id] = m.list(id)
	}
	return out, nil
}

// seed stores one active day for a wallet
func (m *memActivity) seed(walletID string, day time.Time, count, volume int64, txTypes ...types.TxType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics[walletID] == nil {
		m.metrics[walletID] = make(map[time.Time]*models.WalletActivityMetric)
		m.ledger[walletID] = make(map[string]bool)
	}
	d := models.UTCDate(day)
	metric := &models.WalletActivityMetric{
		WalletID:           walletID,
		ActivityDate:       d,
		TransactionCount:   count,
		VolumeZatoshi:      volume,
		TypeCounts:         make(map[string]int64),
		IsActive:           count > 0,
		FirstTransactionAt: day.UTC(),
		LastTransactionAt:  day.UTC(),
	}
	for _, t := range txTypes {
		metric.TypeCounts[string(t)]++
	}
	if cur, ok := m.metrics[walletID][d]; ok {
		cur.Merge(metric)
		return
	}
	m.metrics[walletID][d] = metric
}

type memCohortStore struct {
	mu          sync.Mutex
	cohorts     map[string]*models.WalletCohort
	assignments map[string]map[types.CohortType]string
	active      map[int]int64
	seq         int
	failFor     map[string]bool
}

func newMemCohortStore() *memCohortStore {
	return &memCohortStore{
		cohorts:     make(map[string]*models.WalletCohort),
		assignments: make(map[string]map[types.CohortType]string),
		failFor:     make(map[string]bool),
	}
}

func cohortKey(ct types.CohortType, period time.Time) string {
	return string(ct) + "|" + period.Format("2006-01-02")
}

func (m *memCohortStore) fullyAssigned(walletID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.assignments[walletID]) == len(types.CohortTypes)
}

func (m *memCohortStore) ensure(ct types.CohortType, period time.Time) (*models.WalletCohort, bool) {
	key := cohortKey(ct, period)
	if c, ok := m.cohorts[key]; ok {
		return c, false
	}
	m.seq++
	c := &models.WalletCohort{
		ID:           fmt.Sprintf("c-%d", m.seq),
		CohortType:   ct,
		CohortPeriod: period,
		CreatedAt:    testNow,
	}
	m.cohorts[key] = c
	return c, true
}

func (m *memCohortStore) EnsureCohort(ctx context.Context, ct types.CohortType, period time.Time) (*models.WalletCohort, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, created := m.ensure(ct, period)
	return c, created, nil
}

func (m *memCohortStore) AssignWallet(ctx context.Context, walletID string, ct types.CohortType, period time.Time) (*models.WalletCohort, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[walletID] {
		return nil, false, apperrors.NewDatabaseError("assign wallet", fmt.Errorf("injected"))
	}
	if id, ok := m.assignments[walletID][ct]; ok {
		for _, c := range m.cohorts {
			if c.ID == id {
				return c, false, nil
			}
		}
	}
	c, _ := m.ensure(ct, period)
	if m.assignments[walletID] == nil {
		m.assignments[walletID] = make(map[types.CohortType]string)
	}
	m.assignments[walletID][ct] = c.ID
	c.WalletCount++
	return c, true, nil
}

func (m *memCohortStore) GetByID(ctx context.Context, id string) (*models.WalletCohort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cohorts {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, apperrors.NewNotFoundError("cohort", id)
}

func (m *memCohortStore) List(ctx context.Context, ct types.CohortType, limit int) ([]*models.WalletCohort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WalletCohort
	for _, c := range m.cohorts {
		if ct == "" || c.CohortType == ct {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CohortPeriod.Equal(out[j].CohortPeriod) {
			return out[i].CohortPeriod.After(out[j].CohortPeriod)
		}
		return out[i].CohortType < out[j].CohortType
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memCohortStore) WeeklyActiveMembers(ctx context.Context, cohortID string, maxWeeks int) (map[int]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]int64)
	for w, n := range m.active {
		if w <= maxWeeks {
			out[w] = n
		}
	}
	return out, nil
}

func (m *memCohortStore) Statistics(ctx context.Context) (*models.CohortStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &models.CohortStatistics{CohortsByType: make(map[types.CohortType]int64)}
	var members int64
	for _, c := range m.cohorts {
		st.TotalCohorts++
		st.CohortsByType[c.CohortType]++
		members += c.WalletCount
		if st.LargestCohort == nil || c.WalletCount > st.LargestCohort.WalletCount {
			st.LargestCohort = c
		}
	}
	st.AssignedWallets = int64(len(m.assignments))
	if st.TotalCohorts > 0 {
		st.AvgCohortSize = float64(members) / float64(st.TotalCohorts)
	}
	return st, nil
}

type memScores struct {
	mu     sync.Mutex
	scores map[string]*models.ProductivityScore
}

func newMemScores() *memScores {
	return &memScores{scores: make(map[string]*models.ProductivityScore)}
}

func (m *memScores) Upsert(ctx context.Context, s *models.ProductivityScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.scores[s.WalletID] = &cp
	return nil
}

func (m *memScores) GetByWallet(ctx context.Context, walletID string) (*models.ProductivityScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scores[walletID]; ok {
		return s, nil
	}
	return nil, apperrors.NewNotFoundError("productivity_score", walletID)
}

func (m *memScores) ListByWallets(ctx context.Context, walletIDs []string) (map[string]*models.ProductivityScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.ProductivityScore)
	for _, id := range walletIDs {
		if s, ok := m.scores[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

// memGrants is a privacy store holding grants only
type memGrants struct {
	mu     sync.Mutex
	grants []*models.DataAccessGrant
}

func (m *memGrants) SetMode(ctx context.Context, pref *models.PrivacyPreference) error { return nil }

func (m *memGrants) CreateGrant(ctx context.Context, g *models.DataAccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = append(m.grants, g)
	return nil
}

func (m *memGrants) RevokeGrant(ctx context.Context, grantID, projectID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		if g.ID == grantID {
			g.RevokedAt = &at
			return nil
		}
	}
	return apperrors.NewNotFoundError("grant", grantID)
}

func (m *memGrants) FindActiveGrant(ctx context.Context, buyerID, walletID, projectID string, at time.Time) (*models.DataAccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		if g.BuyerID != buyerID || !g.ActiveAt(at) {
			continue
		}
		if (g.WalletID != nil && *g.WalletID == walletID) || (g.ProjectID != nil && *g.ProjectID == projectID) {
			return g, nil
		}
	}
	return nil, nil
}

func newReleaser(wallets *memWallets) (*privacy.Service, *memGrants) {
	grants := &memGrants{}
	return privacy.NewService(grants, wallets, nil), grants
}

func newWallet(id, projectID string, mode types.PrivacyMode, createdAt time.Time) *models.Wallet {
	return &models.Wallet{
		ID:          id,
		ProjectID:   projectID,
		Address:     "t1" + id,
		PrivacyMode: mode,
		CreatedAt:   createdAt,
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
