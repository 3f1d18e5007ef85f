package recharge

import "github.com/prometheus/client_golang/prometheus"

var (
	reviewsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topup",
		Name:      "recharge_reviews_total",
		Help:      "Recharge request reviews by resulting status.",
	}, []string{"status"})

	submittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "topup",
		Name:      "recharge_submitted_total",
		Help:      "Recharge requests submitted.",
	})
)

func init() {
	prometheus.MustRegister(reviewsTotal, submittedTotal)
}
