package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/imgfloat/server-sub000/internal/adapter/eventstream"
	"github.com/imgfloat/server-sub000/internal/adapter/httpserver"
	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
	"github.com/imgfloat/server-sub000/internal/adapter/redis"
	"github.com/imgfloat/server-sub000/internal/adapter/websocket"
	"github.com/imgfloat/server-sub000/internal/app"
	"github.com/imgfloat/server-sub000/internal/audio"
	"github.com/imgfloat/server-sub000/internal/domain"
	"github.com/imgfloat/server-sub000/internal/media"
	"github.com/imgfloat/server-sub000/internal/platform/config"
	"github.com/imgfloat/server-sub000/internal/platform/logging"
	"github.com/imgfloat/server-sub000/internal/platform/retry"
	"github.com/imgfloat/server-sub000/internal/platform/version"
	"github.com/imgfloat/server-sub000/internal/sandbox"
)

const shutdownTimeout = 10 * time.Second

type appMetrics struct {
	http    *metrics.HTTPMetrics
	media   *metrics.MediaMetrics
	sandbox *metrics.SandboxMetrics
	surface *metrics.SurfaceMetrics
	redis   *metrics.RedisMetrics
	stream  *metrics.StreamMetrics
	preview *metrics.PreviewMetrics
}

func newMetrics(reg prometheus.Registerer) appMetrics {
	return appMetrics{
		http:    metrics.NewHTTPMetrics(reg),
		media:   metrics.NewMediaMetrics(reg),
		sandbox: metrics.NewSandboxMetrics(reg),
		surface: metrics.NewSurfaceMetrics(reg),
		redis:   metrics.NewRedisMetrics(reg),
		stream:  metrics.NewStreamMetrics(reg),
		preview: metrics.NewPreviewMetrics(reg),
	}
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupPreview(cfg *config.Config, rdb *goredis.Client, m *metrics.PreviewMetrics) (*centrifuge.Node, http.Handler) {
	node, err := websocket.NewNode(cfg.Channel, m, cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to create preview node", "error", err)
		os.Exit(1)
	}
	if rdb != nil {
		if err := websocket.SetupRedis(node, rdb.Options()); err != nil {
			slog.Error("Failed to attach preview node to Redis", "error", err)
			os.Exit(1)
		}
	}
	if err := node.Run(); err != nil {
		slog.Error("Failed to run preview node", "error", err)
		os.Exit(1)
	}

	wsHandler := centrifuge.NewWebsocketHandler(node, centrifuge.WebsocketConfig{
		CheckOrigin: websocket.NewCheckOrigin(cfg.PublicURL, cfg.TrustedOrigins, cfg.IsDevelopment()),
	})
	return node, wsHandler
}

func eventSource(cfg *config.Config, rdb *goredis.Client, m appMetrics, clock clockwork.Clock) domain.EventSource {
	if cfg.EventsURL != "" {
		header := http.Header{}
		if cfg.EventsToken != "" {
			header.Set("Authorization", "Bearer "+cfg.EventsToken)
		}
		return eventstream.NewClient(eventstream.Config{
			URL:     cfg.EventsURL,
			Header:  header,
			Clock:   clock,
			Metrics: m.stream,
		})
	}
	return redis.NewEventSource(rdb, cfg.Channel, m.redis)
}

func bootstrap(ctx context.Context, cfg *config.Config, surface *app.Surface) {
	if cfg.AssetsURL == "" {
		return
	}
	header := http.Header{}
	if cfg.EventsToken != "" {
		header.Set("Authorization", "Bearer "+cfg.EventsToken)
	}

	assets, err := eventstream.NewAssetFetcher(cfg.AssetsURL, header, nil, retry.Policy{}).FetchAssets(ctx)
	if err != nil {
		slog.Warn("Asset list unavailable, starting empty", "error", err)
		return
	}
	n, err := surface.Bootstrap(ctx, assets)
	if err != nil {
		slog.Warn("Failed to apply asset list", "error", err)
		return
	}
	slog.Info("Registry bootstrapped", "assets", n)
}

func healthChecks(surface *app.Surface, rdb *goredis.Client) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{{
		Name: "surface",
		Check: func(ctx context.Context) error {
			_, err := surface.Assets(ctx)
			return err
		},
	}}
	if rdb != nil {
		checks = append(checks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	return checks
}

func run() error {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Channel: cfg.Channel})
	v := version.Get()
	slog.Info("Surface starting",
		"version", v.String(), "instance_id", uuid.NewString(),
		"env", cfg.AppEnv, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	m := newMetrics(reg)
	bounds := cfg.Bounds()

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		rdb = setupRedis(ctx, cfg, m.redis)
		defer func() { _ = rdb.Close() }()
	}

	node, wsHandler := setupPreview(cfg, rdb, m.preview)
	publisher := websocket.NewPublisher(node, cfg.Channel, m.preview)

	fetcher, err := media.NewFetcher(media.FetcherConfig{
		BaseURL:  cfg.ScriptOrigin(),
		MaxBytes: cfg.MaxMediaBytes,
		Timeout:  30 * time.Second,
	}, m.media)
	if err != nil {
		return fmt.Errorf("media fetcher: %w", err)
	}

	sound := audio.NewProcessBackend(cfg.FFplayPath, cfg.RequireAudioInteraction, clock)
	audioCtl := audio.NewController(sound, bounds, clock)
	defer audioCtl.Close()

	// surface is assigned before any asset can be ensured, which is the only
	// path that triggers OnUpdate.
	var surface *app.Surface
	mediaMgr := media.NewManager(media.Config{
		Clock:    clock,
		Bounds:   bounds,
		Fetcher:  fetcher,
		Blobs:    media.NewBlobCache(fetcher, media.NewObjectURLs()),
		Video:    media.NewFFmpegVideo(cfg.FFmpegPath, cfg.FFprobePath, clock),
		Sound:    sound,
		OnUpdate: func(string) { surface.RequestRedraw() },
		Metrics:  m.media,
	})
	defer mediaMgr.Stop()

	surface = app.NewSurface(app.Config{
		Bounds:   bounds,
		Width:    cfg.CanvasWidth,
		Height:   cfg.CanvasHeight,
		Clock:    clock,
		Media:    mediaMgr,
		Audio:    audioCtl,
		Sources:  fetcher,
		Notifier: publisher,
		Metrics:  m.surface,
	})

	runtime, err := sandbox.New(sandbox.Config{
		Channel:            cfg.Channel,
		Origin:             cfg.ScriptOrigin(),
		TickBudget:         cfg.ScriptTickBudget,
		SharedDependencies: cfg.ScriptSharedDependencies,
		Loader:             fetcher,
		FetchRate:          rate.Limit(cfg.ScriptFetchRate),
		FetchBurst:         cfg.ScriptFetchBurst,
		Clock:              clock,
		Metrics:            m.sandbox,
	}, surface.ScriptSink())
	if err != nil {
		return fmt.Errorf("script sandbox: %w", err)
	}
	surface.Start(runtime)

	srv := httpserver.NewServer(httpserver.Config{
		Port:             cfg.Port,
		Surface:          surface,
		WebsocketHandler: wsHandler,
		MetricsHandler:   metrics.Handler(reg),
		HTTPMetrics:      m.http,
		HealthChecks:     healthChecks(surface, rdb),
		InteractionRate:  cfg.InteractionRate,
		InteractionBurst: cfg.InteractionBurst,
		Clock:            clock,
	})

	source := eventSource(cfg, rdb, m, clock)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		bootstrap(gctx, cfg, surface)
		if err := source.Run(gctx, surface.Apply); err != nil {
			return fmt.Errorf("event source: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		if err := node.Shutdown(shutdownCtx); err != nil {
			slog.Error("Preview node shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()

	runtime.Stop()
	surface.Stop()
	return err
}

func main() {
	if err := run(); err != nil {
		slog.Error("Surface exited with error", "error", err)
		os.Exit(1)
	}
}
