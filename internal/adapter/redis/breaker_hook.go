package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
)

// BreakerHook fails Redis dials and commands fast while Redis is unhealthy,
// so a dead broker does not pin every reconnect and readiness probe on the
// dial timeout.
type BreakerHook struct {
	cb *gobreaker.CircuitBreaker
}

var _ goredis.Hook = (*BreakerHook)(nil)

// NewBreakerHook trips after at least 5 calls with a 60% failure rate inside
// a 10s window and probes again after openFor.
func NewBreakerHook(openFor time.Duration, m *metrics.RedisMetrics) *BreakerHook {
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, goredis.Nil)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			slog.Warn("Redis circuit breaker state changed", "from", from.String(), "to", to.String())
			if m != nil {
				m.BreakerChanges.WithLabelValues(to.String()).Inc()
			}
		},
	})
	return &BreakerHook{cb: cb}
}

// State is exposed for tests and the readiness probe.
func (h *BreakerHook) State() gobreaker.State {
	return h.cb.State()
}

func (h *BreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := h.cb.Execute(func() (any, error) {
			return next(ctx, network, addr)
		})
		if err != nil {
			return nil, breakerErr("dial", err)
		}
		return conn.(net.Conn), nil
	}
}

func (h *BreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		_, err := h.cb.Execute(func() (any, error) {
			return nil, next(ctx, cmd)
		})
		if errors.Is(err, goredis.Nil) {
			return err
		}
		if err != nil {
			return breakerErr(cmd.Name(), err)
		}
		return nil
	}
}

func (h *BreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		_, err := h.cb.Execute(func() (any, error) {
			return nil, next(ctx, cmds)
		})
		if err != nil && !errors.Is(err, goredis.Nil) {
			return breakerErr("pipeline", err)
		}
		return err
	}
}

func breakerErr(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("redis %s rejected by circuit breaker: %w", op, err)
	}
	return err
}
