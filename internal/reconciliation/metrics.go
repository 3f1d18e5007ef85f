package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "topup",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of wallet balance mismatches found in last reconciliation run.",
	})

	reconcileUnrefundedOrders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "topup",
		Subsystem: "reconciliation",
		Name:      "unrefunded_orders",
		Help:      "Number of failed orders past the grace period without a refund.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "topup",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "topup",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileUnrefundedOrders,
		reconcileDuration,
		reconcileErrors,
	)
}
