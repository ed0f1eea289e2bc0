// Package httpserver exposes the surface over HTTP: the composited frame,
// registry and script status snapshots, the interaction signal, health probes,
// metrics and the preview websocket.
package httpserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
	"github.com/imgfloat/server-sub000/internal/app"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

type surfaceService interface {
	Assets(ctx context.Context) ([]app.AssetView, error)
	Scripts(ctx context.Context) (app.ScriptsView, error)
	Interaction() int
	EncodeFrame(w io.Writer) error
	FrameSize() (int, int)
}

type Config struct {
	Port    string
	Surface surfaceService

	// WebsocketHandler serves preview clients; nil disables the route.
	WebsocketHandler http.Handler
	MetricsHandler   http.Handler
	HTTPMetrics      *metrics.HTTPMetrics
	HealthChecks     []HealthCheck

	InteractionRate  float64
	InteractionBurst int
	Clock            clockwork.Clock
}

type Server struct {
	echo *echo.Echo
	cfg  Config

	surface      surfaceService
	healthChecks []HealthCheck
	clock        clockwork.Clock
	startTime    time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.InteractionRate <= 0 {
		cfg.InteractionRate = 2
	}
	if cfg.InteractionBurst <= 0 {
		cfg.InteractionBurst = 5
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		cfg:          cfg,
		surface:      cfg.Surface,
		healthChecks: cfg.HealthChecks,
		clock:        cfg.Clock,
		startTime:    cfg.Clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.cfg.Port)
	if err := s.echo.Start(":" + s.cfg.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
