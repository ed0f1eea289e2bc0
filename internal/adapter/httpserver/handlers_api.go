package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/imgfloat/server-sub000/internal/app"
	apperrors "github.com/imgfloat/server-sub000/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api")
	api.GET("/frame.png", s.handleFrame)
	api.GET("/assets", s.handleAssets)
	api.GET("/scripts", s.handleScripts)
	api.POST("/interaction", s.handleInteraction, newRateLimiter(s.cfg.InteractionRate, s.cfg.InteractionBurst))
}

func (s *Server) handleFrame(c echo.Context) error {
	var buf bytes.Buffer
	if err := s.surface.EncodeFrame(&buf); err != nil {
		return apperrors.InternalError("failed to encode frame", err)
	}

	w, h := s.surface.FrameSize()
	header := c.Response().Header()
	header.Set("Cache-Control", "no-store")
	header.Set("X-Frame-Width", strconv.Itoa(w))
	header.Set("X-Frame-Height", strconv.Itoa(h))
	if err := c.Blob(http.StatusOK, "image/png", buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (s *Server) handleAssets(c echo.Context) error {
	assets, err := s.surface.Assets(c.Request().Context())
	if err != nil {
		return surfaceError("failed to list assets", err)
	}
	if assets == nil {
		assets = []app.AssetView{}
	}

	if err := c.JSON(http.StatusOK, map[string]any{"assets": assets}); err != nil {
		return fmt.Errorf("failed to write assets response: %w", err)
	}
	return nil
}

func (s *Server) handleScripts(c echo.Context) error {
	view, err := s.surface.Scripts(c.Request().Context())
	if err != nil {
		return surfaceError("failed to read script status", err)
	}

	if err := c.JSON(http.StatusOK, view); err != nil {
		return fmt.Errorf("failed to write scripts response: %w", err)
	}
	return nil
}

// handleInteraction relays a user gesture so audio blocked by autoplay
// policy can be retried.
func (s *Server) handleInteraction(c echo.Context) error {
	retried := s.surface.Interaction()
	if err := c.JSON(http.StatusOK, map[string]int{"retried": retried}); err != nil {
		return fmt.Errorf("failed to write interaction response: %w", err)
	}
	return nil
}

func surfaceError(message string, err error) error {
	if errors.Is(err, app.ErrSurfaceStopped) {
		return apperrors.UnavailableError("surface is shutting down", err)
	}
	return apperrors.InternalError(message, err)
}
