package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstrumentedEcho(t *testing.T) (*echo.Echo, *HTTPMetrics) {
	t.Helper()
	m := NewHTTPMetrics(prometheus.NewRegistry())
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/assets", func(c echo.Context) error { return c.String(http.StatusOK, "[]") })
	e.GET("/api/missing", func(echo.Context) error { return echo.NewHTTPError(http.StatusNotFound) })
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	return e, m
}

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMiddlewareRecordsRouteTemplate(t *testing.T) {
	e, m := newInstrumentedEcho(t)

	require.Equal(t, http.StatusOK, get(e, "/api/assets").Code)
	require.Equal(t, http.StatusOK, get(e, "/api/assets").Code)

	assert.InDelta(t, 2, testutil.ToFloat64(m.Requests.WithLabelValues(http.MethodGet, "/api/assets", "200")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.ResponseBytes))
	assert.Zero(t, testutil.ToFloat64(m.InFlight))
}

func TestMiddlewareUsesHTTPErrorCode(t *testing.T) {
	e, m := newInstrumentedEcho(t)

	assert.Equal(t, http.StatusNotFound, get(e, "/api/missing").Code)

	assert.InDelta(t, 1, testutil.ToFloat64(m.Requests.WithLabelValues(http.MethodGet, "/api/missing", "404")), 0)
}

func TestMiddlewareSkipsProbes(t *testing.T) {
	e, m := newInstrumentedEcho(t)

	get(e, "/health/live")

	assert.Zero(t, testutil.CollectAndCount(m.Requests))
}

func TestInstrumented(t *testing.T) {
	assert.True(t, instrumented("/api/frame.png"))
	assert.False(t, instrumented("/metrics"))
	assert.False(t, instrumented("/version"))
	assert.False(t, instrumented("/health/ready"))
	assert.False(t, instrumented("/connection/websocket"))
	assert.False(t, instrumented(""))
}
