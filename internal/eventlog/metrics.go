package eventlog

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus collectors updated by a Log.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsAppended *prometheus.CounterVec
	expectations   *prometheus.CounterVec
	waitSeconds    prometheus.Histogram
	forbiddenHits  prometheus.Counter
	pendingEvents  prometheus.Gauge
}

// NewMetrics registers the log collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsAppended: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "busprobe",
				Name:      "events_appended_total",
				Help:      "Events appended to the log, by kind.",
			},
			[]string{"kind"},
		),
		expectations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "busprobe",
				Name:      "expectations_total",
				Help:      "Finished expectations, by result.",
			},
			[]string{"result"},
		),
		waitSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "busprobe",
				Name:      "expectation_wait_seconds",
				Help:      "Time spent waiting for expectations to be satisfied.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		forbiddenHits: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "busprobe",
				Name:      "forbidden_violations_total",
				Help:      "Appended events that matched a forbidden pattern.",
			},
		),
		pendingEvents: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "busprobe",
				Name:      "pending_events",
				Help:      "Events appended but not consumed yet.",
			},
		),
	}
}

func (m *Metrics) appended(kind string, pending int) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(kind).Inc()
	m.pendingEvents.Set(float64(pending))
}

func (m *Metrics) consumed(pending int) {
	if m == nil {
		return
	}
	m.pendingEvents.Set(float64(pending))
}

func (m *Metrics) forbidden() {
	if m == nil {
		return
	}
	m.forbiddenHits.Inc()
}

func (m *Metrics) expectation(result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.expectations.WithLabelValues(result).Inc()
	m.waitSeconds.Observe(waited.Seconds())
}
