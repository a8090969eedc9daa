package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "Current circuit state per endpoint: 0=closed,1=open,2=half-open",
		},
		[]string{"endpoint"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_transition_total",
			Help: "Count of circuit state transitions",
		},
		[]string{"endpoint", "from", "to"},
	)
	BreakerOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_open_total",
			Help: "Number of times a circuit transitioned into the open state",
		},
		[]string{"endpoint"},
	)
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Count of executed attempts per endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)
	RetryExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_exhausted_total",
			Help: "Number of operations that failed after the full retry budget",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal, RetryAttemptsTotal, RetryExhaustedTotal)
}
