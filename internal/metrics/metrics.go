package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "opsync"

var (
	once sync.Once

	operationsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_enqueued_total",
			Help:      "Operations enqueued by kind.",
		},
		[]string{"kind"},
	)

	operationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_outcomes_total",
			Help:      "Executor outcomes by kind, result and reason.",
		},
		[]string{"kind", "outcome", "reason"},
	)

	operationsDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_discarded_total",
			Help:      "Pending operations dropped because their owner went away.",
		},
	)

	pendingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Operations waiting in the queue.",
		},
	)

	retryDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Delay scheduled before retrying an operation.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	conditionWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_waits_total",
			Help:      "Read-your-write condition waits by result.",
		},
		[]string{"condition", "result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			operationsEnqueued,
			operationOutcomes,
			operationsDiscarded,
			pendingOperations,
			retryDelay,
			conditionWaits,
			httpRequests,
		)
	})
}

func IncEnqueued(kind string) {
	operationsEnqueued.WithLabelValues(kind).Inc()
}

func IncOutcome(kind, outcome, reason string) {
	operationOutcomes.WithLabelValues(kind, outcome, reason).Inc()
}

func AddDiscarded(n int) {
	operationsDiscarded.Add(float64(n))
}

func SetPending(n int) {
	pendingOperations.Set(float64(n))
}

func ObserveRetryDelay(seconds float64) {
	retryDelay.Observe(seconds)
}

func IncConditionWait(condition, result string) {
	conditionWaits.WithLabelValues(condition, result).Inc()
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
