package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/centrifugal/centrifuge"
	goredis "github.com/redis/go-redis/v9"

	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
	"github.com/imgfloat/server-sub000/internal/platform/logging"
)

const (
	previewChannelPrefix = "surface:"
	redisPrefix          = "surface"
)

// PreviewChannel is the centrifuge channel preview clients of a broadcast
// channel are subscribed to.
func PreviewChannel(channel string) string {
	return previewChannelPrefix + channel
}

// NewNode builds the centrifuge node preview clients of channel connect to.
func NewNode(channel string, m *metrics.PreviewMetrics, logLevel string) (*centrifuge.Node, error) {
	conf := centrifuge.Config{LogLevel: centrifugeLevel(logLevel), LogHandler: logEntry}
	node, err := centrifuge.New(conf)
	if err != nil {
		return nil, fmt.Errorf("create centrifuge node: %w", err)
	}

	node.OnConnecting(onConnecting(channel))
	node.OnConnect(onConnect(channel, m))

	return node, nil
}

// onConnecting subscribes every accepted client to the preview channel on the
// server side, so clients never name channels themselves.
func onConnecting(channel string) func(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
	preview := PreviewChannel(channel)
	return func(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
		if _, ok := centrifuge.GetCredentials(ctx); !ok {
			return centrifuge.ConnectReply{}, centrifuge.DisconnectServerError
		}

		reply := centrifuge.ConnectReply{
			Subscriptions: map[string]centrifuge.SubscribeOptions{
				preview: {
					EmitPresence: true,
				},
			},
		}
		return reply, nil
	}
}

func onConnect(channel string, m *metrics.PreviewMetrics) func(client *centrifuge.Client) {
	preview := PreviewChannel(channel)
	return func(client *centrifuge.Client) {
		slog.Debug("Preview client connected", "client_id", client.ID(), "user_id", client.UserID())

		if m != nil {
			m.Clients.Inc()
		}

		client.OnSubscribe(func(e centrifuge.SubscribeEvent, cb centrifuge.SubscribeCallback) {
			if e.Channel != preview {
				cb(centrifuge.SubscribeReply{}, centrifuge.ErrorPermissionDenied)
				return
			}
			options := centrifuge.SubscribeOptions{EmitPresence: true}
			cb(centrifuge.SubscribeReply{Options: options}, nil)
		})

		client.OnDisconnect(func(e centrifuge.DisconnectEvent) {
			slog.Debug("Preview client disconnected", "client_id", client.ID(), "reason", e.Reason)
			if m != nil {
				m.Clients.Dec()
			}
		})
	}
}

// SetupRedis shares publications and presence across surface replicas. It
// reuses the address and credentials of the surface's own Redis client.
func SetupRedis(node *centrifuge.Node, opts *goredis.Options) error {
	shard, err := centrifuge.NewRedisShard(node, centrifuge.RedisShardConfig{
		Address:  opts.Addr,
		User:     opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err != nil {
		return fmt.Errorf("create redis shard: %w", err)
	}
	shards := []*centrifuge.RedisShard{shard}

	broker, err := centrifuge.NewRedisBroker(node, centrifuge.RedisBrokerConfig{Prefix: redisPrefix, Shards: shards})
	if err != nil {
		return fmt.Errorf("create redis broker: %w", err)
	}
	node.SetBroker(broker)

	presence, err := centrifuge.NewRedisPresenceManager(node, centrifuge.RedisPresenceManagerConfig{Prefix: redisPrefix, Shards: shards})
	if err != nil {
		return fmt.Errorf("create redis presence manager: %w", err)
	}
	node.SetPresenceManager(presence)
	return nil
}

// logEntry forwards centrifuge's log entries to slog with stable attribute
// order.
func logEntry(entry centrifuge.LogEntry) {
	var level slog.Level
	switch entry.Level {
	case centrifuge.LogLevelNone:
		return
	case centrifuge.LogLevelTrace, centrifuge.LogLevelDebug:
		level = slog.LevelDebug
	case centrifuge.LogLevelInfo:
		level = slog.LevelInfo
	case centrifuge.LogLevelWarn:
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}

	keys := slices.Sorted(maps.Keys(entry.Fields))
	attrs := make([]slog.Attr, 0, len(keys)+1)
	attrs = append(attrs, slog.String("component", "centrifuge"))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, entry.Fields[k]))
	}
	slog.LogAttrs(context.Background(), level, entry.Message, attrs...)
}

func centrifugeLevel(level string) centrifuge.LogLevel {
	switch logging.ParseLevel(level) {
	case slog.LevelDebug:
		return centrifuge.LogLevelDebug
	case slog.LevelWarn:
		return centrifuge.LogLevelWarn
	case slog.LevelError:
		return centrifuge.LogLevelError
	default:
		return centrifuge.LogLevelInfo
	}
}

// Viewers reports how many preview clients are subscribed to the channel.
func Viewers(node *centrifuge.Node, channel string) int {
	stats, err := node.PresenceStats(PreviewChannel(channel))
	if err != nil {
		return 0
	}
	return stats.NumClients
}
