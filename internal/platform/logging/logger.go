// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/imgfloat/server-sub000/internal/platform/correlation"
)

// Options selects the logger's level, encoding and fixed attributes.
type Options struct {
	// Level is one of debug, info, warn or error. Anything else means info.
	Level string
	// Format is "json" or "text" (the default).
	Format string
	// Channel is attached to every record when set.
	Channel string
	// Output defaults to stdout.
	Output io.Writer
}

// ParseLevel maps a configured level name onto a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a correlation-aware logger without touching the default.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, ho)
	} else {
		handler = slog.NewTextHandler(out, ho)
	}

	logger := slog.New(correlation.NewHandler(handler))
	if opts.Channel != "" {
		logger = logger.With("channel", opts.Channel)
	}
	return logger
}

// Setup builds the logger and installs it as the slog default.
func Setup(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)
	return logger
}
