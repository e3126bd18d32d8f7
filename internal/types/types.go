// Package types provides common type definitions for the wallet analytics engine.
package types

import "time"

// PrivacyMode controls whether and how a wallet's data may leave its owning project
type PrivacyMode string

const (
	// PrivacyPrivate keeps wallet data inside the owning project
	PrivacyPrivate PrivacyMode = "private"
	// PrivacyPublic allows anonymized wallet metrics in aggregates
	PrivacyPublic PrivacyMode = "public"
	// PrivacyMonetizable exposes full metrics to buyers holding an active grant
	PrivacyMonetizable PrivacyMode = "monetizable"
)

// IsValid reports whether the mode is one of the known privacy modes
func (m PrivacyMode) IsValid() bool {
	switch m {
	case PrivacyPrivate, PrivacyPublic, PrivacyMonetizable:
		return true
	}
	return false
}

// StageName identifies a step of the adoption funnel
type StageName string

const (
	StageCreated      StageName = "created"
	StageFirstTx      StageName = "first_tx"
	StageFeatureUsage StageName = "feature_usage"
	StageRecurring    StageName = "recurring"
	StageHighValue    StageName = "high_value"
)

// FunnelStages is the canonical funnel order. Everything that sequences
// stages (evaluation, conversion pairing, presentation) iterates this slice.
var FunnelStages = []StageName{
	StageCreated,
	StageFirstTx,
	StageFeatureUsage,
	StageRecurring,
	StageHighValue,
}

// StageIndex returns the position of a stage in the funnel, or -1
func StageIndex(stage StageName) int {
	for i, s := range FunnelStages {
		if s == stage {
			return i
		}
	}
	return -1
}

// CohortType is the granularity of a signup cohort
type CohortType string

const (
	CohortWeekly  CohortType = "weekly"
	CohortMonthly CohortType = "monthly"
)

// CohortTypes lists every cohort granularity a wallet is assigned to
var CohortTypes = []CohortType{CohortWeekly, CohortMonthly}

// TxType is the structural classification of a transaction
type TxType string

const (
	TxTypeTransfer  TxType = "transfer"
	TxTypeSwap      TxType = "swap"
	TxTypeBridge    TxType = "bridge"
	TxTypeShielding TxType = "shielding"
	TxTypeBatch     TxType = "batch_payment"
	TxTypeSelf      TxType = "self_transfer"
)

// TxSubtype captures direction or structural detail
type TxSubtype string

const (
	SubtypeIncoming   TxSubtype = "incoming"
	SubtypeOutgoing   TxSubtype = "outgoing"
	SubtypeShield     TxSubtype = "shield"
	SubtypeDeshield   TxSubtype = "deshield"
	SubtypeInternal   TxSubtype = "internal"
	SubtypeMultiSend  TxSubtype = "multi_send"
	SubtypeCrossChain TxSubtype = "cross_chain"
)

// CounterpartyType is the closed set of counterparty classifications
type CounterpartyType string

const (
	CounterpartyWallet   CounterpartyType = "wallet"
	CounterpartyExchange CounterpartyType = "exchange"
	CounterpartyDeFi     CounterpartyType = "defi"
	CounterpartyBridge   CounterpartyType = "bridge"
	CounterpartyUnknown  CounterpartyType = "unknown"
)

// ScoreStatus is the health classification of a productivity score
type ScoreStatus string

const (
	StatusHealthy ScoreStatus = "healthy"
	StatusAtRisk  ScoreStatus = "at_risk"
	StatusChurn   ScoreStatus = "churn"
)

// RiskLevel is a display bucket of the total productivity score
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Severity ranks funnel drop-offs
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// ItemStatus is the per-item outcome of a batch operation
type ItemStatus string

const (
	ItemSuccess ItemStatus = "success"
	ItemSkipped ItemStatus = "skipped"
	ItemFailed  ItemStatus = "failed"
)

// BatchItem records what happened to one item of a batch
type BatchItem struct {
	ID     string     `json:"id"`
	Status ItemStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// BatchResult is returned by every batch operation instead of failing atomically
type BatchResult struct {
	Operation  string      `json:"operation"`
	Total      int         `json:"total"`
	Succeeded  int         `json:"succeeded"`
	Skipped    int         `json:"skipped"`
	Failed     int         `json:"failed"`
	Items      []BatchItem `json:"items"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
}

// NewBatchResult creates an empty batch result for an operation
func NewBatchResult(operation string) *BatchResult {
	return &BatchResult{
		Operation: operation,
		Items:     make([]BatchItem, 0),
		StartedAt: time.Now().UTC(),
	}
}

// Record appends one item outcome and updates the counters
func (r *BatchResult) Record(item BatchItem) {
	r.Items = append(r.Items, item)
	r.Total++
	switch item.Status {
	case ItemSuccess:
		r.Succeeded++
	case ItemSkipped:
		r.Skipped++
	case ItemFailed:
		r.Failed++
	}
}

// Finish stamps the completion time
func (r *BatchResult) Finish() *BatchResult {
	r.FinishedAt = time.Now().UTC()
	return r
}

// Partial reports whether some but not all items failed
func (r *BatchResult) Partial() bool {
	return r.Failed > 0 && r.Failed < r.Total
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// ZatoshiPerZEC is the number of zatoshi in one coin
const ZatoshiPerZEC int64 = 100_000_000
