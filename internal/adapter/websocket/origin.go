package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// NewCheckOrigin returns the CheckOrigin function for the preview websocket.
// Empty origins, obs:// browser sources, the surface's own public origin and
// any explicitly trusted origins are accepted; localhost only in development.
func NewCheckOrigin(publicURL string, trusted []string, isDevelopment bool) func(r *http.Request) bool {
	allowed := []string{}
	if o := extractOrigin(publicURL); o != "" {
		allowed = append(allowed, o)
	}
	for _, t := range trusted {
		if o := extractOrigin(strings.TrimSpace(t)); o != "" {
			allowed = append(allowed, o)
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		switch {
		case origin == "":
			return true
		case strings.HasPrefix(origin, "obs://"):
			return true
		case slices.Contains(allowed, strings.ToLower(origin)):
			return true
		case isDevelopment && isLocalhostOrigin(origin):
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
