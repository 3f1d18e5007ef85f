package orders

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topup",
		Name:      "order_transitions_total",
		Help:      "Order status transitions by source and target status.",
	}, []string{"from", "to"})

	refundAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topup",
		Name:      "order_refund_attempts_total",
		Help:      "Refund attempts for failed orders by result.",
	}, []string{"result"})

	ordersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "topup",
		Name:      "orders_created_total",
		Help:      "Orders placed and paid.",
	})

	sweepPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "topup",
		Name:      "order_refunds_pending",
		Help:      "Failed orders still awaiting a refund at the last sweep.",
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, refundAttempts, ordersCreated, sweepPending)
}
