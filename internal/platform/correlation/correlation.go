// Package correlation tags work items (inbound events, HTTP requests) with a
// short id and the origin they arrived from, and copies both onto every log
// record written with that context.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Origins a work item can be attributed to.
const (
	OriginStream = "stream"
	OriginRedis  = "redis"
	OriginHTTP   = "http"
)

type idKey struct{}

type originKey struct{}

// NewID returns an 8-character lowercase hex id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// WithID returns a context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

// ID extracts the correlation id from ctx. Empty ids count as missing.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(idKey{}).(string)
	return id, ok && id != ""
}

// Origin extracts the origin recorded by Begin.
func Origin(ctx context.Context) (string, bool) {
	o, ok := ctx.Value(originKey{}).(string)
	return o, ok && o != ""
}

// Begin starts a new work item: it attaches a fresh id and the origin.
func Begin(ctx context.Context, origin string) context.Context {
	ctx = context.WithValue(ctx, originKey{}, origin)
	return WithID(ctx, NewID())
}

// Continue keeps an upstream id when one is supplied (e.g. a request header)
// and otherwise behaves like Begin.
func Continue(ctx context.Context, origin, upstream string) context.Context {
	upstream = strings.TrimSpace(upstream)
	if upstream == "" || len(upstream) > 64 {
		return Begin(ctx, origin)
	}
	ctx = context.WithValue(ctx, originKey{}, origin)
	return WithID(ctx, upstream)
}

// Handler decorates records with "correlation_id" and "origin" attributes
// taken from the record's context.
type Handler struct {
	inner slog.Handler
}

func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ID(ctx); ok {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	if origin, ok := Origin(ctx); ok {
		r.AddAttrs(slog.String("origin", origin))
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
