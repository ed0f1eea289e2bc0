package httpserver

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"

	"github.com/imgfloat/server-sub000/internal/app"
	"github.com/imgfloat/server-sub000/internal/domain"
	"github.com/imgfloat/server-sub000/internal/sandbox"
	"github.com/jonboulle/clockwork"
)

type fakeSurface struct {
	mu           sync.Mutex
	assets       []app.AssetView
	scripts      app.ScriptsView
	err          error
	interactions int
	retried      int
}

func (f *fakeSurface) Assets(context.Context) ([]app.AssetView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assets, f.err
}

func (f *fakeSurface) Scripts(context.Context) (app.ScriptsView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scripts, f.err
}

func (f *fakeSurface) Interaction() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interactions++
	return f.retried
}

func (f *fakeSurface) EncodeFrame(w io.Writer) error {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	return png.Encode(w, img)
}

func (f *fakeSurface) FrameSize() (int, int) { return 4, 2 }

func sampleSurface() *fakeSurface {
	return &fakeSurface{
		assets: []app.AssetView{
			{ID: "img", Kind: "visual", MediaURL: "/a.png", Alpha: 1, Loaded: true,
				Transform: domain.Transform{Width: 10, Height: 10}},
			{ID: "snd", Kind: "audio", MediaURL: "/a.mp3"},
		},
		scripts: app.ScriptsView{
			Instances: []sandbox.Status{{ID: "s1", Phase: "running", HasTick: true, Width: 4, Height: 2}},
			Errors:    []domain.ScriptError{{ScriptID: "s2", Stage: domain.StageInit, Message: "boom"}},
			Pending:   []string{},
		},
		retried: 2,
	}
}

type serverOption func(*Config)

func withHealthChecks(checks ...HealthCheck) serverOption {
	return func(c *Config) { c.HealthChecks = checks }
}

func newTestServer(t *testing.T, surface *fakeSurface, opts ...serverOption) *Server {
	t.Helper()
	cfg := Config{
		Port:    "0",
		Surface: surface,
		Clock:   clockwork.NewFakeClock(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewServer(cfg)
}
