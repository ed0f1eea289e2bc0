package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/imgfloat/server-sub000/internal/domain"
)

type Config struct {
	AppEnv         string   `env:"APP_ENV" default:"development"`
	Port           string   `env:"PORT" default:"8080"`
	PublicURL      string   `env:"PUBLIC_URL"`
	TrustedOrigins []string `env:"TRUSTED_ORIGINS"`
	LogLevel       string   `env:"LOG_LEVEL" default:"info"`
	LogFormat      string   `env:"LOG_FORMAT" default:"text"`

	Channel      string `env:"CHANNEL"`
	EventsURL    string `env:"EVENTS_URL"`
	EventsToken  string `env:"EVENTS_TOKEN"`
	AssetsURL    string `env:"ASSETS_URL"`
	RedisURL     string `env:"REDIS_URL"`
	MediaBaseURL string `env:"MEDIA_BASE_URL"`

	CanvasWidth   int           `env:"CANVAS_WIDTH" default:"1920"`
	CanvasHeight  int           `env:"CANVAS_HEIGHT" default:"1080"`
	MaxCanvasSide int           `env:"MAX_CANVAS_SIDE" default:"7680"`
	FrameInterval time.Duration `env:"FRAME_INTERVAL" default:"16667us"`

	MinSpeed  float64 `env:"MIN_SPEED" default:"0.1"`
	MaxSpeed  float64 `env:"MAX_SPEED" default:"4"`
	MinPitch  float64 `env:"MIN_PITCH" default:"0.5"`
	MaxPitch  float64 `env:"MAX_PITCH" default:"2"`
	MinVolume float64 `env:"MIN_VOLUME" default:"0"`
	MaxVolume float64 `env:"MAX_VOLUME" default:"1"`

	ScriptTickBudget         time.Duration `env:"SCRIPT_TICK_BUDGET" default:"50ms"`
	ScriptSharedDependencies []string      `env:"SCRIPT_SHARED_DEPENDENCIES"`
	ScriptFetchRate          float64       `env:"SCRIPT_FETCH_RATE" default:"5"`
	ScriptFetchBurst         int           `env:"SCRIPT_FETCH_BURST" default:"10"`

	MaxMediaBytes           int64  `env:"MAX_MEDIA_BYTES" default:"67108864"`
	FFmpegPath              string `env:"FFMPEG_PATH" default:"ffmpeg"`
	FFprobePath             string `env:"FFPROBE_PATH" default:"ffprobe"`
	FFplayPath              string `env:"FFPLAY_PATH" default:"ffplay"`
	RequireAudioInteraction bool   `env:"REQUIRE_AUDIO_INTERACTION" default:"false"`

	InteractionRate  float64 `env:"INTERACTION_RATE" default:"2"`
	InteractionBurst int     `env:"INTERACTION_BURST" default:"5"`
}

// Load reads an optional .env file, then the environment. List values are
// comma separated.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg.TrustedOrigins = trimAll(cfg.TrustedOrigins)
	cfg.ScriptSharedDependencies = trimAll(cfg.ScriptSharedDependencies)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Bounds returns the numeric limits applied to every asset.
func (c *Config) Bounds() domain.Bounds {
	return domain.Bounds{
		FrameInterval: c.FrameInterval,
		MinSpeed:      c.MinSpeed,
		MaxSpeed:      c.MaxSpeed,
		MinPitch:      c.MinPitch,
		MaxPitch:      c.MaxPitch,
		MinVolume:     c.MinVolume,
		MaxVolume:     c.MaxVolume,
		MaxCanvasSide: c.MaxCanvasSide,
	}
}

// ScriptOrigin is the base URL relative script and attachment URLs resolve
// against.
func (c *Config) ScriptOrigin() string {
	if c.MediaBaseURL != "" {
		return c.MediaBaseURL
	}
	return c.PublicURL
}

func validate(cfg *Config) error {
	if cfg.Channel == "" {
		return errors.New("CHANNEL is required")
	}
	if cfg.EventsURL == "" && cfg.RedisURL == "" {
		return errors.New("EVENTS_URL or REDIS_URL is required")
	}
	if cfg.ScriptOrigin() == "" {
		return errors.New("MEDIA_BASE_URL or PUBLIC_URL is required")
	}

	urls := map[string]string{
		"PUBLIC_URL":     cfg.PublicURL,
		"ASSETS_URL":     cfg.AssetsURL,
		"MEDIA_BASE_URL": cfg.MediaBaseURL,
	}
	for name, value := range urls {
		if err := checkURL(name, value, "http", "https"); err != nil {
			return err
		}
	}
	if err := checkURL("EVENTS_URL", cfg.EventsURL, "ws", "wss"); err != nil {
		return err
	}
	if err := checkURL("REDIS_URL", cfg.RedisURL, "redis", "rediss"); err != nil {
		return err
	}

	if cfg.AppEnv == "production" && strings.HasPrefix(strings.ToLower(cfg.EventsURL), "ws://") {
		return errors.New("EVENTS_URL uses ws:// which is not allowed in production")
	}

	if cfg.CanvasWidth <= 0 || cfg.CanvasHeight <= 0 {
		return errors.New("CANVAS_WIDTH and CANVAS_HEIGHT must be positive")
	}
	if cfg.MaxCanvasSide <= 0 {
		return errors.New("MAX_CANVAS_SIDE must be positive")
	}
	if cfg.FrameInterval <= 0 {
		return errors.New("FRAME_INTERVAL must be positive")
	}
	if cfg.ScriptTickBudget <= 0 {
		return errors.New("SCRIPT_TICK_BUDGET must be positive")
	}

	ranges := []struct {
		name     string
		min, max float64
	}{
		{"SPEED", cfg.MinSpeed, cfg.MaxSpeed},
		{"PITCH", cfg.MinPitch, cfg.MaxPitch},
		{"VOLUME", cfg.MinVolume, cfg.MaxVolume},
	}
	for _, r := range ranges {
		if r.min < 0 || r.min > r.max {
			return fmt.Errorf("MIN_%s must be between 0 and MAX_%s", r.name, r.name)
		}
	}

	return nil
}

func checkURL(name, value string, schemes ...string) error {
	if value == "" {
		return nil
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", name)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s", name, strings.Join(schemes, ", "))
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
