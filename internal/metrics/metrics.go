// Package metrics holds the Prometheus collectors for the block exchange.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bitswap"

// Request results
const (
	ResultBlock    = "block"
	ResultHave     = "have"
	ResultDontHave = "dont_have"
	ResultInvalid  = "invalid"
	ResultError    = "error"
	ResultTimeout  = "timeout"
)

// Metrics is the set of collectors one manager reports to. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	canceled      prometheus.Counter
	activeQueries prometheus.Gauge
	served        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Number of requests sent, by request type and result.",
		}, []string{"type", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to its answer.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"type"}),
		canceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_canceled_total",
			Help:      "Number of outstanding requests dropped by query cancellation.",
		}),
		activeQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queries_active",
			Help:      "Number of queries that have not completed.",
		}),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "served_total",
			Help:      "Number of inbound requests answered, by request type and result.",
		}, []string{"type", "result"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.canceled, m.activeQueries, m.served} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RequestDone records an answered, failed or expired request
func (m *Metrics) RequestDone(typ, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(typ, result).Inc()
	if result != ResultTimeout && result != ResultError {
		m.duration.WithLabelValues(typ).Observe(elapsed.Seconds())
	}
}

// RequestsCanceled records n requests abandoned by a cancel
func (m *Metrics) RequestsCanceled(n int) {
	if m == nil || n == 0 {
		return
	}
	m.canceled.Add(float64(n))
}

// QueryStarted increments the active query gauge
func (m *Metrics) QueryStarted() {
	if m != nil {
		m.activeQueries.Inc()
	}
}

// QueryFinished decrements the active query gauge
func (m *Metrics) QueryFinished() {
	if m != nil {
		m.activeQueries.Dec()
	}
}

// Served records an inbound request answered from the local store
func (m *Metrics) Served(typ, result string) {
	if m != nil {
		m.served.WithLabelValues(typ, result).Inc()
	}
}
