package metrics

import "github.com/prometheus/client_golang/prometheus"

// MediaMetrics tracks the media resource lifecycle.
type MediaMetrics struct {
	Handles        prometheus.Gauge
	ObjectURLs     prometheus.Gauge
	Loads          *prometheus.CounterVec
	LoadDuration   *prometheus.HistogramVec
	Suppressed     prometheus.Counter
	Fetches        *prometheus.CounterVec
	BreakerChanges *prometheus.CounterVec
}

// NewMediaMetrics creates and registers media metrics on the given registry.
func NewMediaMetrics(reg prometheus.Registerer) *MediaMetrics {
	m := &MediaMetrics{
		Handles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "handles",
			Help:      "Number of live media handles.",
		}),
		ObjectURLs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "object_urls",
			Help:      "Number of object URLs currently registered.",
		}),
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "loads_total",
			Help:      "Total media loads, by media class and result.",
		}, []string{"class", "result"}),
		LoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "load_duration_seconds",
			Help:      "Time from ensure to drawable, by media class.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"class"}),
		Suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "decode_suppressed_total",
			Help:      "Total ensure calls skipped because an animated decode recently failed.",
		}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "fetches_total",
			Help:      "Total network fetches, by result.",
		}, []string{"result"}),
		BreakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "breaker_state_changes_total",
			Help:      "Total per-host circuit breaker state changes, by new state.",
		}, []string{"state"}),
	}

	reg.MustRegister(m.Handles, m.ObjectURLs, m.Loads, m.LoadDuration, m.Suppressed, m.Fetches, m.BreakerChanges)
	return m
}
