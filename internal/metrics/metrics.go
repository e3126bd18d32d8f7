package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransactionsClassified tracks classifier outcomes
	TransactionsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_insights_transactions_classified_total",
			Help: "The total number of raw transactions classified",
		},
		[]string{"tx_type", "status"}, // status: success, malformed
	)

	// StageTransitions tracks newly achieved adoption stages
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_insights_stage_transitions_total",
			Help: "The total number of adoption stages achieved",
		},
		[]string{"stage"},
	)

	// BatchItems tracks per-item outcomes of batch operations
	BatchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_insights_batch_items_total",
			Help: "Batch operation item outcomes",
		},
		[]string{"operation", "status"},
	)

	// UpstreamRequests tracks calls to the indexer and grant collaborators
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_insights_upstream_requests_total",
			Help: "The total number of upstream collaborator requests",
		},
		[]string{"collaborator", "status"},
	)

	// CircuitState is 1 for the current state of each breaker
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wallet_insights_circuit_state",
			Help: "Circuit breaker state (1 = current)",
		},
		[]string{"breaker", "state"},
	)

	// DashboardCache tracks dashboard cache lookups
	DashboardCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_insights_dashboard_cache_total",
			Help: "Dashboard cache lookups by result",
		},
		[]string{"result"}, // hit, miss, stale, partial
	)

	// RecomputeSeconds tracks dashboard recompute duration
	RecomputeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_insights_dashboard_recompute_seconds",
			Help:    "Time taken to recompute a dashboard view",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"view"},
	)

	// BudgetThrottles tracks requests held back by the shared indexer budget
	BudgetThrottles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_insights_indexer_budget_throttles_total",
			Help: "Indexer requests delayed by the shared request budget",
		},
		[]string{"priority"},
	)

	// SyncConflicts tracks wallet syncs that lost an activity write conflict
	// and were left for the next sync to retry
	SyncConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_insights_sync_conflicts_total",
		Help: "Wallet syncs aborted by a concurrent activity update",
	})

	// WorkerCycleSeconds tracks how long one analytics worker cycle takes
	WorkerCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wallet_insights_worker_cycle_seconds",
		Help:    "Time taken by one analytics worker cycle",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// APIRequests tracks HTTP requests by route and status code
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_insights_api_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"route", "code"},
	)
)

// RecordClassified records one classifier outcome
func RecordClassified(txType, status string) {
	TransactionsClassified.WithLabelValues(txType, status).Inc()
}

// RecordStageAchieved records a newly achieved stage
func RecordStageAchieved(stage string) {
	StageTransitions.WithLabelValues(stage).Inc()
}

// RecordBatchItem records one batch item outcome
func RecordBatchItem(operation, status string) {
	BatchItems.WithLabelValues(operation, status).Inc()
}

// RecordUpstream records an upstream call result
func RecordUpstream(collaborator string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	UpstreamRequests.WithLabelValues(collaborator, status).Inc()
}

// SetCircuitState marks state as the breaker's current state
func SetCircuitState(breaker string, state string) {
	for _, s := range []string{"closed", "open", "half_open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		CircuitState.WithLabelValues(breaker, s).Set(v)
	}
}

// RecordCacheResult records a dashboard cache outcome
func RecordCacheResult(result string) {
	DashboardCache.WithLabelValues(result).Inc()
}

// ObserveRecompute records how long a dashboard view took to build
func ObserveRecompute(view string, started time.Time) {
	RecomputeSeconds.WithLabelValues(view).Observe(time.Since(started).Seconds())
}

// RecordBudgetThrottle records one request delayed by the shared budget
func RecordBudgetThrottle(priority string) {
	BudgetThrottles.WithLabelValues(priority).Inc()
}

// RecordSyncConflict records one sync aborted by an activity write conflict
func RecordSyncConflict() {
	SyncConflicts.Inc()
}
