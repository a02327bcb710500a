package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the dispatch engine.
type Metrics struct {
	EventsTotal        prometheus.Counter
	EventsInvalidTotal prometheus.Counter
	EventsDedupedTotal prometheus.Counter
	BackpressureTotal  prometheus.Counter

	AttemptsTotal *prometheus.CounterVec // labels: channel, outcome
	AlertsSettled *prometheus.CounterVec // labels: status

	AttemptDuration prometheus.Histogram
	QueueDepth      prometheus.Gauge
	InFlight        prometheus.Gauge
}

// New registers and returns all Prometheus metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardline_events_total",
			Help: "Total security events received at the ingest endpoint",
		}),
		EventsInvalidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardline_events_invalid_total",
			Help: "Events rejected by validation or unknown-device checks",
		}),
		EventsDedupedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardline_events_deduplicated_total",
			Help: "Events suppressed by the dedup window",
		}),
		BackpressureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardline_backpressure_rejections_total",
			Help: "Events rejected because the dispatch queue was saturated",
		}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardline_delivery_attempts_total",
			Help: "Delivery attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		AlertsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardline_alerts_settled_total",
			Help: "Alerts that reached a final status",
		}, []string{"status"}),
		AttemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardline_attempt_duration_seconds",
			Help:    "Channel adapter send latency per attempt",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardline_dispatch_queue_depth",
			Help: "Planned pairs waiting for a worker",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardline_attempts_in_flight",
			Help: "Attempts currently executing against channel adapters",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.EventsInvalidTotal,
		m.EventsDedupedTotal,
		m.BackpressureTotal,
		m.AttemptsTotal,
		m.AlertsSettled,
		m.AttemptDuration,
		m.QueueDepth,
		m.InFlight,
	)

	return m
}

// NewForTest returns metrics backed by a private registry, safe for parallel tests.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
