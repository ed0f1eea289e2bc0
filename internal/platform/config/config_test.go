package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHANNEL", "demo")
	t.Setenv("EVENTS_URL", "wss://events.example.com/stream")
	t.Setenv("PUBLIC_URL", "https://surface.example.com")
}

func TestLoad_AllRequiredVarsSet(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Channel)
	assert.Equal(t, "wss://events.example.com/stream", cfg.EventsURL)
	assert.Equal(t, "https://surface.example.com", cfg.ScriptOrigin())
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		unset   []string
		wantErr string
	}{
		{"missing CHANNEL", []string{"CHANNEL"}, "CHANNEL is required"},
		{"no event source", []string{"EVENTS_URL"}, "EVENTS_URL or REDIS_URL is required"},
		{"no origin", []string{"PUBLIC_URL"}, "MEDIA_BASE_URL or PUBLIC_URL is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for _, name := range tt.unset {
				t.Setenv(name, "")
			}

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestLoad_RedisAloneIsEnough(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EVENTS_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 1920, cfg.CanvasWidth)
	assert.Equal(t, 1080, cfg.CanvasHeight)
	assert.Equal(t, 50*time.Millisecond, cfg.ScriptTickBudget)
	assert.Equal(t, "ffplay", cfg.FFplayPath)

	b := cfg.Bounds()
	assert.Equal(t, 16667*time.Microsecond, b.FrameInterval)
	assert.InDelta(t, 0.1, b.MinSpeed, 1e-9)
	assert.InDelta(t, 4, b.MaxSpeed, 1e-9)
	assert.InDelta(t, 0.5, b.MinPitch, 1e-9)
	assert.InDelta(t, 2, b.MaxPitch, 1e-9)
	assert.InDelta(t, 1, b.MaxVolume, 1e-9)
	assert.Equal(t, 7680, b.MaxCanvasSide)
}

func TestLoad_Lists(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SCRIPT_SHARED_DEPENDENCIES", "/libs/a.js, https://cdn.example.com/b.js,")
	t.Setenv("TRUSTED_ORIGINS", "https://studio.example.org")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"/libs/a.js", "https://cdn.example.com/b.js"}, cfg.ScriptSharedDependencies)
	assert.Equal(t, []string{"https://studio.example.org"}, cfg.TrustedOrigins)
}

func TestLoad_MediaBaseOverridesOrigin(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MEDIA_BASE_URL", "https://media.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com/", cfg.ScriptOrigin())
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"relative public url", "PUBLIC_URL", "/surface", "PUBLIC_URL must be an absolute URL"},
		{"http events url", "EVENTS_URL", "https://events.example.com", "EVENTS_URL must use one of ws, wss"},
		{"bad redis scheme", "REDIS_URL", "http://localhost:6379", "REDIS_URL must use one of redis, rediss"},
		{"zero width", "CANVAS_WIDTH", "0", "CANVAS_WIDTH and CANVAS_HEIGHT must be positive"},
		{"zero budget", "SCRIPT_TICK_BUDGET", "0s", "SCRIPT_TICK_BUDGET must be positive"},
		{"inverted speed", "MIN_SPEED", "5", "MIN_SPEED must be between 0 and MAX_SPEED"},
		{"negative volume", "MIN_VOLUME", "-1", "MIN_VOLUME must be between 0 and MAX_VOLUME"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestLoad_ProductionRejectsPlaintextEvents(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("EVENTS_URL", "ws://events.example.com/stream")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed in production")
}

func TestLoad_DevelopmentAllowsPlaintextEvents(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EVENTS_URL", "ws://localhost:9000/stream")

	_, err := Load()
	require.NoError(t, err)
}
