package metrics

import "github.com/prometheus/client_golang/prometheus"

// PreviewMetrics tracks preview clients attached over centrifuge and the
// notices pushed to them.
type PreviewMetrics struct {
	Clients   prometheus.Gauge
	Published *prometheus.CounterVec
	Skipped   *prometheus.CounterVec
}

func NewPreviewMetrics(reg prometheus.Registerer) *PreviewMetrics {
	m := &PreviewMetrics{
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "clients",
			Help:      "Preview clients currently connected.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "notices_published_total",
			Help:      "Notices published to the preview channel, by notice type.",
		}, []string{"type"}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preview",
			Name:      "notices_skipped_total",
			Help:      "Notices dropped because no preview client was subscribed.",
		}, []string{"type"}),
	}

	reg.MustRegister(m.Clients, m.Published, m.Skipped)
	return m
}
