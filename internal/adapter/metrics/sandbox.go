package metrics

import "github.com/prometheus/client_golang/prometheus"

// SandboxMetrics tracks the script runtime.
type SandboxMetrics struct {
	Instances     prometheus.Gauge
	TickDuration  prometheus.Histogram
	SlowTicks     prometheus.Counter
	Errors        *prometheus.CounterVec
	FetchRequests *prometheus.CounterVec
	Panics        prometheus.Counter
}

// NewSandboxMetrics creates and registers sandbox metrics on the given registry.
func NewSandboxMetrics(reg prometheus.Registerer) *SandboxMetrics {
	m := &SandboxMetrics{
		Instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "instances",
			Help:      "Number of live script instances.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one scheduler tick across all scripts.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.016, 0.025, 0.05, 0.1},
		}),
		SlowTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "budget_exceeded_total",
			Help:      "Total script calls interrupted for exceeding their time budget.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "errors_reported_total",
			Help:      "Total distinct script errors reported, by stage.",
		}, []string{"stage"}),
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "fetch_requests_total",
			Help:      "Total script network requests, by result.",
		}, []string{"result"}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "panics_total",
			Help:      "Total panics recovered in the runtime goroutine.",
		}),
	}

	reg.MustRegister(m.Instances, m.TickDuration, m.SlowTicks, m.Errors, m.FetchRequests, m.Panics)
	return m
}
