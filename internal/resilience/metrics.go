package resilience

import "github.com/prometheus/client_golang/prometheus"

// Breaker collectors, labelled by upstream target (e.g. "singpost").
var (
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracking_upstream_breaker_state",
		Help: "Upstream breaker position (0 closed, 1 open, 2 half open).",
	}, []string{"target"})

	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_upstream_breaker_transitions_total",
		Help: "Upstream breaker transitions by origin and destination state.",
	}, []string{"target", "from", "to"})

	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_upstream_breaker_opened_total",
		Help: "Times an upstream breaker tripped open.",
	}, []string{"target"})
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal)
}
