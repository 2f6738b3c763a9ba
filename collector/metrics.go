package collector

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/qoewatch/qoewatch/record"
)

// metrics holds the ingestion counters exposed on /metrics. Each
// Collector owns its registry so several can coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	received      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	freezes       prometheus.Counter
	freezeSeconds prometheus.Histogram
	latency       prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &metrics{
		registry: reg,
		received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qoecollector_received_total",
			Help: "Stored bodies by kind",
		}, []string{"kind"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qoecollector_rejected_total",
			Help: "Rejected request bodies by HTTP status",
		}, []string{"status"}),
		freezes: f.NewCounter(prometheus.CounterOpts{
			Name: "qoecollector_freezes_total",
			Help: "Freeze intervals reported in live snapshots",
		}),
		freezeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "qoecollector_freeze_duration_seconds",
			Help:    "Duration of reported freezes",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
		latency: f.NewGauge(prometheus.GaugeOpts{
			Name: "qoecollector_network_latency_ms",
			Help: "Last network latency reported by a live snapshot",
		}),
	}
}

func (m *metrics) observeSnapshot(snap *record.Snapshot) {
	m.received.WithLabelValues(KindSnapshot).Inc()
	for _, fi := range snap.Freezes {
		m.freezes.Inc()
		m.freezeSeconds.Observe(fi.Duration)
	}
	if snap.NetworkLatency >= 0 {
		m.latency.Set(snap.NetworkLatency)
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
