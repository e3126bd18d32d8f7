package models

import (
	"sort"
	"time"

	"github.com/wallet-insights/internal/types"
)

// WalletActivityMetric is one wallet's aggregated activity for one UTC calendar day
type WalletActivityMetric struct {
	WalletID                string           `json:"walletId" db:"wallet_id"`
	ActivityDate            time.Time        `json:"activityDate" db:"activity_date"`
	TransactionCount        int64            `json:"transactionCount" db:"transaction_count"`
	VolumeZatoshi           int64            `json:"volumeZatoshi" db:"volume_zatoshi"`
	FeesZatoshi             int64            `json:"feesZatoshi" db:"fees_zatoshi"`
	IncomingCount           int64            `json:"incomingCount" db:"incoming_count"`
	OutgoingCount           int64            `json:"outgoingCount" db:"outgoing_count"`
	ShieldedCount           int64            `json:"shieldedCount" db:"shielded_count"`
	TypeCounts              map[string]int64 `json:"typeCounts" db:"type_counts"`
	IsActive                bool             `json:"isActive" db:"is_active"`
	ComplexityTotal         int64            `json:"complexityTotal" db:"complexity_total"`
	SequenceComplexityScore float64          `json:"sequenceComplexityScore" db:"sequence_complexity_score"`
	FirstTransactionAt      time.Time        `json:"firstTransactionAt" db:"first_transaction_at"`
	LastTransactionAt       time.Time        `json:"lastTransactionAt" db:"last_transaction_at"`
}

// UTCDate truncates t to the start of its UTC calendar day
func UTCDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Add folds one classified transaction into the day's metric
func (m *WalletActivityMetric) Add(tx *ProcessedTransaction) {
	if m.TypeCounts == nil {
		m.TypeCounts = make(map[string]int64)
	}
	m.TransactionCount++
	m.VolumeZatoshi += tx.AbsValue()
	m.FeesZatoshi += tx.FeeZatoshi
	switch {
	case tx.ValueZatoshi > 0:
		m.IncomingCount++
	case tx.ValueZatoshi < 0:
		m.OutgoingCount++
	}
	if tx.IsShielded {
		m.ShieldedCount++
	}
	m.TypeCounts[string(tx.TxType)]++
	m.ComplexityTotal += int64(tx.ComplexityScore)
	m.IsActive = m.TransactionCount > 0
	m.SequenceComplexityScore = float64(m.ComplexityTotal) / float64(m.TransactionCount)

	bt := tx.BlockTime.UTC()
	if m.FirstTransactionAt.IsZero() || bt.Before(m.FirstTransactionAt) {
		m.FirstTransactionAt = bt
	}
	if bt.After(m.LastTransactionAt) {
		m.LastTransactionAt = bt
	}
}

// Merge folds another delta for the same wallet and date into m
func (m *WalletActivityMetric) Merge(other *WalletActivityMetric) {
	if m.TypeCounts == nil {
		m.TypeCounts = make(map[string]int64)
	}
	m.TransactionCount += other.TransactionCount
	m.VolumeZatoshi += other.VolumeZatoshi
	m.FeesZatoshi += other.FeesZatoshi
	m.IncomingCount += other.IncomingCount
	m.OutgoingCount += other.OutgoingCount
	m.ShieldedCount += other.ShieldedCount
	for k, v := range other.TypeCounts {
		m.TypeCounts[k] += v
	}
	m.ComplexityTotal += other.ComplexityTotal
	m.IsActive = m.TransactionCount > 0
	if m.TransactionCount > 0 {
		m.SequenceComplexityScore = float64(m.ComplexityTotal) / float64(m.TransactionCount)
	}
	if m.FirstTransactionAt.IsZero() || (!other.FirstTransactionAt.IsZero() && other.FirstTransactionAt.Before(m.FirstTransactionAt)) {
		m.FirstTransactionAt = other.FirstTransactionAt
	}
	if other.LastTransactionAt.After(m.LastTransactionAt) {
		m.LastTransactionAt = other.LastTransactionAt
	}
}

// DailyActivityFrom groups classified transactions by UTC day, returning one
// metric delta per touched day in ascending date order.
func DailyActivityFrom(walletID string, txs []*ProcessedTransaction) []*WalletActivityMetric {
	byDay := make(map[time.Time]*WalletActivityMetric)
	for _, tx := range txs {
		day := UTCDate(tx.BlockTime)
		m, ok := byDay[day]
		if !ok {
			m = &WalletActivityMetric{
				WalletID:     walletID,
				ActivityDate: day,
				TypeCounts:   make(map[string]int64),
			}
			byDay[day] = m
		}
		m.Add(tx)
	}

	out := make([]*WalletActivityMetric, 0, len(byDay))
	for _, m := range byDay {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ActivityDate.Before(out[j].ActivityDate)
	})
	return out
}

// ActivitySnapshot is a wallet's lifetime activity summary used by the
// stage engine and the scorer
type ActivitySnapshot struct {
	WalletID          string
	TotalTransactions int64
	UniqueTxTypes     int
	ActiveDays        int
	TotalVolume       int64
	TotalFees         int64
	FirstTxAt         *time.Time
	LastTxAt          *time.Time
	TypeCounts        map[string]int64
	AvgComplexity     float64
}

// SpanDays returns days between the first and last transaction
func (s *ActivitySnapshot) SpanDays() float64 {
	if s.FirstTxAt == nil || s.LastTxAt == nil {
		return 0
	}
	return s.LastTxAt.Sub(*s.FirstTxAt).Hours() / 24
}

// SnapshotFrom summarises a wallet's daily metrics
func SnapshotFrom(walletID string, metrics []*WalletActivityMetric) *ActivitySnapshot {
	s := &ActivitySnapshot{WalletID: walletID, TypeCounts: make(map[string]int64)}
	var complexity int64
	for _, m := range metrics {
		if m.TransactionCount == 0 {
			continue
		}
		s.TotalTransactions += m.TransactionCount
		s.TotalVolume += m.VolumeZatoshi
		s.TotalFees += m.FeesZatoshi
		complexity += m.ComplexityTotal
		if m.IsActive {
			s.ActiveDays++
		}
		for k, v := range m.TypeCounts {
			s.TypeCounts[k] += v
		}
		first, last := m.FirstTransactionAt, m.LastTransactionAt
		if first.IsZero() {
			first = m.ActivityDate
		}
		if last.IsZero() {
			last = m.ActivityDate
		}
		if s.FirstTxAt == nil || first.Before(*s.FirstTxAt) {
			f := first
			s.FirstTxAt = &f
		}
		if s.LastTxAt == nil || last.After(*s.LastTxAt) {
			l := last
			s.LastTxAt = &l
		}
	}
	for _, v := range s.TypeCounts {
		if v > 0 {
			s.UniqueTxTypes++
		}
	}
	if s.TotalTransactions > 0 {
		s.AvgComplexity = float64(complexity) / float64(s.TotalTransactions)
	}
	return s
}

// HasType reports whether the wallet used a transaction type at least once
func (s *ActivitySnapshot) HasType(t types.TxType) bool {
	return s.TypeCounts[string(t)] > 0
}
