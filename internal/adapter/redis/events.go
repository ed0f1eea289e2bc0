package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imgfloat/server-sub000/internal/adapter/eventstream"
	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
	"github.com/imgfloat/server-sub000/internal/domain"
	"github.com/imgfloat/server-sub000/internal/platform/correlation"
	goredis "github.com/redis/go-redis/v9"
)

const eventChannelPrefix = "surface:events:"

// EventChannel is the Pub/Sub channel carrying a broadcast channel's events.
func EventChannel(channel string) string {
	return eventChannelPrefix + channel
}

// EventSource delivers surface events published on Redis Pub/Sub. Messages use
// the same JSON encoding as the websocket stream.
type EventSource struct {
	rdb     *goredis.Client
	channel string
	metrics *metrics.RedisMetrics
}

var _ domain.EventSource = (*EventSource)(nil)

func NewEventSource(rdb *goredis.Client, channel string, m *metrics.RedisMetrics) *EventSource {
	return &EventSource{rdb: rdb, channel: channel, metrics: m}
}

func (s *EventSource) Run(ctx context.Context, handle domain.EventHandler) error {
	name := EventChannel(s.channel)
	pubsub := s.rdb.Subscribe(ctx, name)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}
	slog.Info("Subscribed to surface events", "channel", name)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch(ctx, msg.Payload, handle)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *EventSource) dispatch(ctx context.Context, payload string, handle domain.EventHandler) {
	if s.metrics != nil {
		s.metrics.Messages.Inc()
	}
	ev, err := eventstream.Decode([]byte(payload))
	if err != nil {
		slog.Warn("Dropping undecodable pub/sub event", "channel", s.channel, "error", err)
		return
	}
	handle(correlation.Begin(ctx, correlation.OriginRedis), ev)
}

// PublishEvent publishes an encoded event for a broadcast channel.
func PublishEvent(ctx context.Context, rdb *goredis.Client, channel string, payload []byte) error {
	if err := rdb.Publish(ctx, EventChannel(channel), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish surface event: %w", err)
	}
	return nil
}
