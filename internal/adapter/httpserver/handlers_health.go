package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/imgfloat/server-sub000/internal/platform/version"
)

const readinessProbeTimeout = 5 * time.Second

// HealthCheck is one named readiness dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleLiveness(c echo.Context) error {
	body := map[string]any{
		"status":     "ok",
		"started_at": s.startTime.UTC().Format(time.RFC3339),
		"uptime":     s.clock.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, body); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness runs every check concurrently and reports each outcome.
// One failing check makes the whole probe fail.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	var mu sync.Mutex
	resp := readinessResponse{Status: "ready", Checks: make(map[string]string, len(s.healthChecks))}
	g, gctx := errgroup.WithContext(ctx)
	for _, hc := range s.healthChecks {
		g.Go(func() error {
			result := "ok"
			if err := hc.Check(gctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			resp.Checks[hc.Name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	code := http.StatusOK
	for _, result := range resp.Checks {
		if result != "ok" {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			break
		}
	}
	if err := c.JSON(code, resp); err != nil {
		return fmt.Errorf("failed to write readiness response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
