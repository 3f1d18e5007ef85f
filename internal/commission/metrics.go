package commission

import "github.com/prometheus/client_golang/prometheus"

var (
	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topup",
		Name:      "commission_settlements_total",
		Help:      "Commission settlement attempts by result.",
	}, []string{"result"})

	paidAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "topup",
		Name:      "commission_paid_amount_total",
		Help:      "Total commission credited to agents.",
	})
)

func init() {
	prometheus.MustRegister(settlementsTotal, paidAmount)
}
