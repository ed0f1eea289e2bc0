package metrics

import "github.com/prometheus/client_golang/prometheus"

// StreamMetrics tracks the inbound event stream.
type StreamMetrics struct {
	Connects     *prometheus.CounterVec
	Messages     prometheus.Counter
	DecodeErrors prometheus.Counter
	Connected    prometheus.Gauge
}

// NewStreamMetrics creates and registers event stream metrics on the given registry.
func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	m := &StreamMetrics{
		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connects_total",
			Help:      "Total event stream connection attempts, by result.",
		}, []string{"result"}),
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Total event stream messages received.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "decode_errors_total",
			Help:      "Total event stream messages that could not be decoded.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 while the event stream is connected.",
		}),
	}

	reg.MustRegister(m.Connects, m.Messages, m.DecodeErrors, m.Connected)
	return m
}
