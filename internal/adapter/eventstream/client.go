package eventstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
	"github.com/imgfloat/server-sub000/internal/domain"
	"github.com/imgfloat/server-sub000/internal/platform/correlation"
	"github.com/imgfloat/server-sub000/internal/platform/retry"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
	pongDeadline  = 60 * time.Second
	maxMessage    = 1 << 20
)

type Config struct {
	URL     string
	Header  http.Header
	Dialer  *websocket.Dialer
	Retry   retry.Policy
	Clock   clockwork.Clock
	Metrics *metrics.StreamMetrics

	PingInterval time.Duration
	PongDeadline time.Duration
}

// Client consumes the push event stream over a websocket, reconnecting with
// backoff whenever the connection drops.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 10, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Event stream connect failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = pingInterval
	}
	if cfg.PongDeadline <= 0 {
		cfg.PongDeadline = pongDeadline
	}
	return &Client{cfg: cfg}
}

// Run delivers events to handle in arrival order until ctx ends. It returns
// nil on cancellation and an error once reconnecting is hopeless.
func (c *Client) Run(ctx context.Context, handle domain.EventHandler) error {
	for {
		conn, err := retry.Do(ctx, c.cfg.Retry, classifyDial, c.dial)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect event stream: %w", err)
		}

		slog.Info("Event stream connected", "url", c.cfg.URL)
		err = c.consume(ctx, conn, handle)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Event stream disconnected", "error", err)

		timer := c.cfg.Clock.NewTimer(c.cfg.Retry.InitialBackoff)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.countConnect("error")
		if resp != nil {
			return nil, &statusError{URL: c.cfg.URL, Status: resp.StatusCode}
		}
		return nil, err
	}
	c.countConnect("ok")
	return conn, nil
}

func (c *Client) consume(ctx context.Context, conn *websocket.Conn, handle domain.EventHandler) error {
	done := make(chan struct{})
	defer close(done)
	defer func() { _ = conn.Close() }()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Connected.Set(1)
		defer c.cfg.Metrics.Connected.Set(0)
	}

	conn.SetReadLimit(maxMessage)
	c.extendRead(conn)
	conn.SetPongHandler(func(string) error {
		c.extendRead(conn)
		return nil
	})

	go c.keepalive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.extendRead(conn)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Messages.Inc()
		}

		ev, err := Decode(data)
		if err != nil {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.DecodeErrors.Inc()
			}
			slog.Warn("Dropping undecodable event", "error", err)
			continue
		}
		handle(correlation.Begin(ctx, correlation.OriginStream), ev)
	}
}

// keepalive pings the server and closes the connection when ctx ends so the
// blocked read returns.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := c.cfg.Clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			deadline := c.cfg.Clock.Now().Add(writeDeadline)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
			_ = conn.WriteControl(websocket.CloseMessage, msg, c.cfg.Clock.Now().Add(writeDeadline))
			_ = conn.Close()
			return
		case <-done:
			return
		}
	}
}

func (c *Client) extendRead(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(c.cfg.Clock.Now().Add(c.cfg.PongDeadline))
}

func (c *Client) countConnect(result string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Connects.WithLabelValues(result).Inc()
	}
}

// statusError is an HTTP response the peer rejected us with.
type statusError struct {
	URL    string
	Status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.Status)
}

func classifyDial(err error) retry.Action {
	if retry.IsPermanent(err) {
		return retry.Stop
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusTooManyRequests:
			return retry.After
		case se.Status >= 500:
			return retry.Retry
		case se.Status >= 400:
			return retry.Stop
		}
	}
	return retry.Retry
}
