package metrics

import "github.com/prometheus/client_golang/prometheus"

// SurfaceMetrics tracks event reconciliation and composition.
type SurfaceMetrics struct {
	Events        *prometheus.CounterVec
	Frames        prometheus.Counter
	FrameDuration prometheus.Histogram
	Assets        prometheus.Gauge
	CommandDepth  prometheus.Gauge
	AudioRetries  prometheus.Counter
	Panics        prometheus.Counter
	StopTimeouts  prometheus.Counter
}

// NewSurfaceMetrics creates and registers surface metrics on the given registry.
func NewSurfaceMetrics(reg prometheus.Registerer) *SurfaceMetrics {
	m := &SurfaceMetrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "applied_total",
			Help:      "Total inbound events applied, by type and result.",
		}, []string{"type", "result"}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compositor",
			Name:      "frames_total",
			Help:      "Total frames composited.",
		}),
		FrameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compositor",
			Name:      "frame_duration_seconds",
			Help:      "Time spent compositing one frame.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.016, 0.033, 0.05, 0.1},
		}),
		Assets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "assets",
			Help:      "Number of registered assets.",
		}),
		CommandDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "surface",
			Name:      "command_channel_depth",
			Help:      "Current depth of the surface command channel.",
		}),
		AudioRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audio",
			Name:      "interaction_retries_total",
			Help:      "Total playback retries drained on user interaction.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "surface",
			Name:      "panics_total",
			Help:      "Total panics recovered in the surface goroutine.",
		}),
		StopTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "surface",
			Name:      "stop_timeouts_total",
			Help:      "Total times a graceful stop exceeded its timeout.",
		}),
	}

	reg.MustRegister(m.Events, m.Frames, m.FrameDuration, m.Assets, m.CommandDepth, m.AudioRetries, m.Panics, m.StopTimeouts)
	return m
}
