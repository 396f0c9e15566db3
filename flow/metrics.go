package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus-compatible instrumentation for the engine,
// ported in shape from the teacher's PrometheusMetrics (graph/metrics.go):
// gauges for live concurrency, a histogram for transition latency, counters for
// the things operators page on (errors, hospitalisations, stale-checkpoint
// rejections).
type Metrics struct {
	activeFlows        prometheus.Gauge
	liveSessions       prometheus.Gauge
	transitionLatency  *prometheus.HistogramVec
	commitsTotal       prometheus.Counter
	errorsTotal        *prometheus.CounterVec
	hospitalizedTotal  prometheus.Counter
	staleCheckpoints   prometheus.Counter
	dedupSuppressed    prometheus.Counter
	retriesTotal       *prometheus.CounterVec
}

// NewMetrics registers the engine's metrics against reg and returns the
// collector. Pass prometheus.DefaultRegisterer for the global registry, or
// a prometheus.NewRegistry() for isolated tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeFlows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowcore",
			Name:      "active_flows",
			Help:      "Number of flows currently being driven by a worker.",
		}),
		liveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowcore",
			Name:      "live_sessions",
			Help:      "Number of sessions currently in Initiating or Initiated state across all flows.",
		}),
		transitionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowcore",
			Name:      "transition_latency_seconds",
			Help:      "Latency of one Transition call, labeled by event kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_kind"}),
		commitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "checkpoint_commits_total",
			Help:      "Total successful checkpoint commits.",
		}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "flow_errors_total",
			Help:      "Total FlowErrors raised, labeled by exception kind (user/internal/hospitalize).",
		}, []string{"exception_kind"}),
		hospitalizedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "hospitalized_total",
			Help:      "Total flows admitted to the flow hospital.",
		}),
		staleCheckpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "stale_checkpoint_rejections_total",
			Help:      "Total PersistCheckpoint attempts rejected for a non-advancing num_commits.",
		}),
		dedupSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "dedup_suppressed_total",
			Help:      "Total inbound messages suppressed as already-delivered duplicates.",
		}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcore",
			Name:      "hospital_retries_total",
			Help:      "Total RetryFromSafePoint verdicts issued, labeled by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeTransition(eventKind string, seconds float64) {
	if m == nil {
		return
	}
	m.transitionLatency.WithLabelValues(eventKind).Observe(seconds)
}

func (m *Metrics) incCommits() {
	if m == nil {
		return
	}
	m.commitsTotal.Inc()
}

func (m *Metrics) incError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) incHospitalized() {
	if m == nil {
		return
	}
	m.hospitalizedTotal.Inc()
}

func (m *Metrics) incStaleCheckpoint() {
	if m == nil {
		return
	}
	m.staleCheckpoints.Inc()
}

func (m *Metrics) setActiveFlows(n int) {
	if m == nil {
		return
	}
	m.activeFlows.Set(float64(n))
}

func (m *Metrics) setLiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}

func (m *Metrics) incRetry(outcome string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(outcome).Inc()
}
