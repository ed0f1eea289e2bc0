package media

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/imgfloat/server-sub000/internal/audio"
	"github.com/imgfloat/server-sub000/internal/domain"
)

// ProbeResult describes the first video stream of a source.
type ProbeResult struct {
	Codec  string
	Width  int
	Height int
	FPS    float64
}

// VideoStream yields decoded frames at playback pace.
type VideoStream interface {
	// ReadFrame blocks until the next frame is due and writes it into dst.
	// It returns io.EOF when the stream ended.
	ReadFrame(dst *image.RGBA) error
	Close() error
}

// VideoBackend probes and decodes video sources.
type VideoBackend interface {
	Probe(ctx context.Context, url string) (ProbeResult, error)
	Open(ctx context.Context, url string, probe ProbeResult, rate float64) (VideoStream, error)
}

var supportedCodecs = []string{"h264", "hevc", "vp8", "vp9", "av1", "mpeg4", "theora"}

func supportedCodec(codec string) bool {
	return slices.Contains(supportedCodecs, strings.ToLower(codec))
}

// videoPipeline pumps frames from a VideoStream into a frameSlot. The
// soundtrack starts only after the first frame arrived, so a source that
// never decodes stays silent.
type videoPipeline struct {
	frameSlot
	backend VideoBackend
	sound   audio.Backend
	url     string
	probe   ProbeResult
	onFrame func()

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu     sync.Mutex
	gen    uint64
	stream VideoStream
	rate   float64
	volume float64
	track  audio.Element
}

func newVideoPipeline(ctx context.Context, backend VideoBackend, sound audio.Backend, url string, probe ProbeResult, pool *BitmapPool, onFrame func()) *videoPipeline {
	ctx, cancel := context.WithCancel(ctx)
	return &videoPipeline{
		frameSlot: frameSlot{pool: pool},
		backend:   backend,
		sound:     sound,
		url:       url,
		probe:     probe,
		onFrame:   onFrame,
		ctx:       ctx,
		cancel:    cancel,
		rate:      1,
		volume:    1,
	}
}

func (v *videoPipeline) start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.openLocked()
}

func (v *videoPipeline) openLocked() {
	if v.cancelled.Load() {
		return
	}
	if v.stream != nil {
		_ = v.stream.Close()
		v.stream = nil
	}
	v.gen++
	stream, err := v.backend.Open(v.ctx, v.url, v.probe, v.rate)
	if err != nil {
		slog.Warn("Video open failed", "url", v.url, "error", err)
		return
	}
	v.stream = stream
	go v.pump(stream, v.gen)
}

func (v *videoPipeline) pump(stream VideoStream, gen uint64) {
	rect := image.Rect(0, 0, v.probe.Width, v.probe.Height)
	for {
		bm := v.pool.Get(rect)
		err := stream.ReadFrame(bm)
		if err != nil {
			v.pool.Put(bm)
			if !errors.Is(err, io.EOF) && !v.stale(gen) {
				slog.Warn("Video decode stopped", "url", v.url, "error", err)
			}
			return
		}

		v.mu.Lock()
		if v.cancelled.Load() || v.gen != gen {
			v.mu.Unlock()
			v.pool.Put(bm)
			return
		}
		if v.publish(bm) {
			v.startTrackLocked()
		}
		v.mu.Unlock()

		v.onFrame()
	}
}

// stale reports whether the stream of generation gen was replaced or closed.
func (v *videoPipeline) stale(gen uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancelled.Load() || v.gen != gen
}

func (v *videoPipeline) startTrackLocked() {
	if v.sound == nil || v.track != nil {
		return
	}
	var track audio.Element
	track, err := v.sound.Open(v.url, func() {
		track.SeekStart()
		if err := track.Play(); err != nil {
			slog.Debug("Video soundtrack restart failed", "url", v.url, "error", err)
		}
	})
	if err != nil {
		slog.Debug("Video soundtrack unavailable", "url", v.url, "error", err)
		return
	}
	track.SetRate(v.rate)
	track.SetVolume(v.volume)
	if err := track.Play(); err != nil {
		slog.Debug("Video soundtrack rejected", "url", v.url, "error", err)
	}
	v.track = track
}

func (v *videoPipeline) apply(a domain.Asset, b domain.Bounds) {
	rate := b.VideoRate(a.SpeedFraction)
	volume := b.ClampVolume(a.VolumeFraction)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancelled.Load() {
		return
	}
	if volume != v.volume {
		v.volume = volume
		if v.track != nil {
			v.track.SetVolume(volume)
		}
	}
	if rate != v.rate {
		v.rate = rate
		if v.track != nil {
			v.track.SetRate(rate)
		}
		if v.stream != nil {
			v.openLocked()
		}
	}
}

func (v *videoPipeline) close() {
	v.cancelled.Store(true)
	v.cancel()

	v.mu.Lock()
	if v.stream != nil {
		_ = v.stream.Close()
		v.stream = nil
	}
	if v.track != nil {
		_ = v.track.Close()
		v.track = nil
	}
	v.mu.Unlock()
	v.release()
}
