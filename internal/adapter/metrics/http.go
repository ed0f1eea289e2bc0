package metrics

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics instruments the control API. Probes, the metrics endpoint and
// the long-lived preview websocket are left out.
type HTTPMetrics struct {
	Duration      *prometheus.HistogramVec
	Requests      *prometheus.CounterVec
	ResponseBytes *prometheus.HistogramVec
	InFlight      prometheus.Gauge
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	labels := []string{"method", "route", "code"}
	m := &HTTPMetrics{
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of control API requests.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, labels),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Control API requests served.",
		}, labels),
		ResponseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "Body size of control API responses; dominated by frame.png.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 9),
		}, []string{"route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Control API requests currently being served.",
		}),
	}

	reg.MustRegister(m.Duration, m.Requests, m.ResponseBytes, m.InFlight)
	return m
}

func instrumented(route string) bool {
	switch {
	case route == "", route == "/metrics", route == "/version":
		return false
	case strings.HasPrefix(route, "/health/"), strings.HasPrefix(route, "/connection/"):
		return false
	}
	return true
}

// Middleware records the metrics under the matched route template, so
// unmatched paths never create new series.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if !instrumented(route) {
				return next(c)
			}

			m.InFlight.Inc()
			start := time.Now()
			err := next(c)
			m.InFlight.Dec()

			status := c.Response().Status
			var he *echo.HTTPError
			if err != nil && !c.Response().Committed && errors.As(err, &he) {
				status = he.Code
			}
			code := strconv.Itoa(status)
			method := c.Request().Method
			m.Duration.WithLabelValues(method, route, code).Observe(time.Since(start).Seconds())
			m.Requests.WithLabelValues(method, route, code).Inc()
			m.ResponseBytes.WithLabelValues(route).Observe(float64(c.Response().Size))
			return err
		}
	}
}
