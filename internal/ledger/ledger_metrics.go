package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts applied deltas by transaction type and outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topup",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type and result.",
		},
		[]string{"type", "result"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "topup",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// BalanceCacheLookups counts balance reads by whether the cache served them.
	BalanceCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topup",
			Name:      "balance_cache_lookups_total",
			Help:      "Balance reads by cache outcome (hit, miss, error).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		BalanceCacheLookups,
	)
}

// observeOp returns a function that records the outcome and duration of one
// operation.
func observeOp(opType TxType) func(err *error) {
	start := time.Now()
	return func(err *error) {
		LedgerOpDuration.WithLabelValues(string(opType)).Observe(time.Since(start).Seconds())
		LedgerOpsTotal.WithLabelValues(string(opType), resultLabel(*err)).Inc()
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrDependencyUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
