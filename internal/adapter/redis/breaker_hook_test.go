package redis

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
)

var errRefused = errors.New("connection refused")

func process(hook *BreakerHook, result error) error {
	ctx := context.Background()
	return hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		return result
	})(ctx, goredis.NewStringCmd(ctx, "publish", "surface:events:demo", "{}"))
}

func TestBreakerHookStaysClosedOnSuccess(t *testing.T) {
	hook := NewBreakerHook(time.Minute, nil)

	for range 10 {
		require.NoError(t, process(hook, nil))
	}

	assert.Equal(t, gobreaker.StateClosed, hook.State())
}

func TestBreakerHookIgnoresNil(t *testing.T) {
	hook := NewBreakerHook(time.Minute, nil)

	for range 10 {
		assert.ErrorIs(t, process(hook, goredis.Nil), goredis.Nil)
	}

	assert.Equal(t, gobreaker.StateClosed, hook.State())
}

func TestBreakerHookToleratesFewFailures(t *testing.T) {
	hook := NewBreakerHook(time.Minute, nil)

	for range 4 {
		err := process(hook, errRefused)
		assert.ErrorIs(t, err, errRefused)
	}

	assert.Equal(t, gobreaker.StateClosed, hook.State())
}

func TestBreakerHookOpensAndFailsFast(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := NewBreakerHook(time.Minute, m)

	for range 5 {
		_ = process(hook, errRefused)
	}
	require.Equal(t, gobreaker.StateOpen, hook.State())

	called := false
	ctx := context.Background()
	err := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		called = true
		return nil
	})(ctx, goredis.NewStringCmd(ctx, "ping"))

	assert.False(t, called)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BreakerChanges.WithLabelValues("open")), 0)
}

func TestBreakerHookDial(t *testing.T) {
	hook := NewBreakerHook(time.Minute, nil)
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	conn, err := hook.DialHook(func(context.Context, string, string) (net.Conn, error) {
		return client, nil
	})(context.Background(), "tcp", "redis:6379")
	require.NoError(t, err)
	assert.Same(t, client, conn)

	_, err = hook.DialHook(func(context.Context, string, string) (net.Conn, error) {
		return nil, errRefused
	})(context.Background(), "tcp", "redis:6379")
	assert.ErrorIs(t, err, errRefused)
}
