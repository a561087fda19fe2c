package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	reconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablecoord",
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Reconciliation passes run, by loop.",
		},
		[]string{"loop"},
	)
	proposals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablecoord",
			Subsystem: "reconcile",
			Name:      "proposals_total",
			Help:      "Consensus proposals made, by loop and outcome.",
		},
		[]string{"loop", "outcome"},
	)
	contractsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tablecoord",
			Name:      "contracts",
			Help:      "Contracts in the last committed state.",
		},
	)
	membersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tablecoord",
			Name:      "members",
			Help:      "Membership entries in the last committed state, by status.",
		},
		[]string{"status"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablecoord",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tablecoord",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// RegisterMetrics registers the collectors with the default prometheus
// registry. It is safe to call more than once; the Record functions call it
// themselves.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(reconcilePasses, proposals, contractsGauge, membersGauge, httpRequests, httpDuration)
	})
}

// RecordPass counts one reconciliation pass of loop.
func RecordPass(loop string) {
	RegisterMetrics()
	reconcilePasses.WithLabelValues(loop).Inc()
}

// RecordProposal counts a proposal outcome such as "committed", "stale",
// "not_leader" or "cancelled".
func RecordProposal(loop, outcome string) {
	RegisterMetrics()
	proposals.WithLabelValues(loop, outcome).Inc()
}

// RecordState publishes the size of the committed state.
func RecordState(contracts int, members map[string]int) {
	RegisterMetrics()
	contractsGauge.Set(float64(contracts))
	for status, n := range members {
		membersGauge.WithLabelValues(status).Set(float64(n))
	}
}

// RecordHTTPRequest counts one HTTP request and observes its duration.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
