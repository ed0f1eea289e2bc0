package media

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
	"github.com/imgfloat/server-sub000/internal/audio"
	"github.com/imgfloat/server-sub000/internal/domain"
)

type fakeVideoStream struct {
	frames chan color.RGBA
	done   chan struct{}
	once   sync.Once
}

func (s *fakeVideoStream) ReadFrame(dst *image.RGBA) error {
	select {
	case c := <-s.frames:
		for i := 0; i < len(dst.Pix); i += 4 {
			dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = c.R, c.G, c.B, c.A
		}
		return nil
	case <-s.done:
		return io.EOF
	}
}

func (s *fakeVideoStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type fakeVideo struct {
	codec string

	mu      sync.Mutex
	streams []*fakeVideoStream
	rates   []float64
}

func (v *fakeVideo) Probe(context.Context, string) (ProbeResult, error) {
	return ProbeResult{Codec: v.codec, Width: 2, Height: 2, FPS: 30}, nil
}

func (v *fakeVideo) Open(_ context.Context, _ string, _ ProbeResult, rate float64) (VideoStream, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := &fakeVideoStream{frames: make(chan color.RGBA, 4), done: make(chan struct{})}
	v.streams = append(v.streams, s)
	v.rates = append(v.rates, rate)
	return s, nil
}

func (v *fakeVideo) last() *fakeVideoStream {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.streams[len(v.streams)-1]
}

func (v *fakeVideo) openedRates() []float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]float64(nil), v.rates...)
}

type fakeTrack struct {
	mu      sync.Mutex
	playing bool
	volume  float64
	closed  bool
}

func (t *fakeTrack) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playing = true
	return nil
}
func (t *fakeTrack) Pause()          {}
func (t *fakeTrack) SeekStart()      {}
func (t *fakeTrack) SetRate(float64) {}
func (t *fakeTrack) SetVolume(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.volume = v
}
func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type fakeSound struct {
	mu     sync.Mutex
	tracks []*fakeTrack
}

func (s *fakeSound) Open(string, func()) (audio.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTrack{}
	s.tracks = append(s.tracks, t)
	return t, nil
}

func (s *fakeSound) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

type managerFixture struct {
	srv     *mediaServer
	clock   *clockwork.FakeClock
	objects *ObjectURLs
	video   *fakeVideo
	sound   *fakeSound
	updates atomic.Int32
	metrics *metrics.MediaMetrics
	m       *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		srv:     newMediaServer(t),
		clock:   clockwork.NewFakeClock(),
		objects: NewObjectURLs(),
		video:   &fakeVideo{codec: "h264"},
		sound:   &fakeSound{},
		metrics: metrics.NewMediaMetrics(prometheus.NewRegistry()),
	}
	fetcher := testFetcher(t, f.srv.URL)
	f.m = NewManager(Config{
		Clock:    f.clock,
		Bounds:   domain.DefaultBounds(),
		Fetcher:  fetcher,
		Blobs:    NewBlobCache(fetcher, f.objects),
		Video:    f.video,
		Sound:    f.sound,
		OnUpdate: func(string) { f.updates.Add(1) },
		Metrics:  f.metrics,
	})
	t.Cleanup(f.m.Stop)
	return f
}

func visualAsset(id, url, mediaType string) domain.Asset {
	a := domain.NewAsset(id)
	a.Kind = domain.KindVisual
	a.MediaURL = url
	a.MediaType = mediaType
	a.Transform = domain.Transform{Width: 10, Height: 10}
	return a
}

func (f *managerFixture) awaitHandle(t *testing.T, a domain.Asset) Handle {
	t.Helper()
	var h Handle
	require.Eventually(t, func() bool {
		var ok bool
		h, ok = f.m.Ensure(a)
		if !ok {
			return false
		}
		_, ready := h.Frame()
		return ready
	}, 2*time.Second, 5*time.Millisecond)
	return h
}

func TestManager_StillImageBecomesDrawableAfterDecode(t *testing.T) {
	f := newManagerFixture(t)
	f.srv.serve("/a.png", "image/png", encodePNG(t, 4, 3, color.White))
	a := visualAsset("a1", "/a.png", "image/png")

	_, ok := f.m.Ensure(a)
	assert.False(t, ok)

	h := f.awaitHandle(t, a)
	img, _ := h.Frame()
	assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds())
	assert.Equal(t, 1, f.srv.hitCount("/a.png"))
	assert.Positive(t, f.updates.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Loads.WithLabelValues("image", "ok")))
}

func TestManager_IgnoresNonVisualAssets(t *testing.T) {
	f := newManagerFixture(t)
	a := visualAsset("a1", "/a.mp3", "audio/mpeg")
	a.Kind = domain.KindAudio

	_, ok := f.m.Ensure(a)

	assert.False(t, ok)
	assert.Equal(t, 0, f.m.Len())
}

func TestManager_URLChangeRebuildsHandle(t *testing.T) {
	f := newManagerFixture(t)
	f.srv.serve("/a.png", "image/png", encodePNG(t, 4, 4, color.White))
	f.srv.serve("/b.png", "image/png", encodePNG(t, 8, 8, color.Black))
	a := visualAsset("a1", "/a.png", "image/png")
	f.awaitHandle(t, a)

	a.MediaURL = "/b.png"
	h := f.awaitHandle(t, a)

	img, _ := h.Frame()
	assert.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())
	assert.Equal(t, 1, f.objects.Len())
	assert.Equal(t, 1, f.m.Len())
}

func TestManager_ClearIsIdempotentAndReleasesEverything(t *testing.T) {
	f := newManagerFixture(t)
	f.srv.serve("/a.png", "image/png", encodePNG(t, 4, 4, color.White))
	a := visualAsset("a1", "/a.png", "image/png")
	f.awaitHandle(t, a)

	f.m.Clear("a1")
	f.m.Clear("a1")

	assert.False(t, f.m.Has("a1"))
	assert.Equal(t, 0, f.objects.Len())
}

func TestManager_ClearDuringLoadDiscardsResult(t *testing.T) {
	f := newManagerFixture(t)
	gate := make(chan struct{})
	f.srv.setGate(gate)
	f.srv.serve("/a.png", "image/png", encodePNG(t, 4, 4, color.White))
	a := visualAsset("a1", "/a.png", "image/png")

	f.m.Ensure(a)
	require.Eventually(t, func() bool { return f.srv.hitCount("/a.png") == 1 }, time.Second, 5*time.Millisecond)
	f.m.Clear("a1")
	close(gate)

	assert.Never(t, func() bool { return f.m.Has("a1") || f.objects.Len() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestManager_FailedAnimatedDecodeIsSuppressedDuringCooldown(t *testing.T) {
	f := newManagerFixture(t)
	f.srv.serve("/bad.gif", "image/gif", []byte("not a gif"))
	a := visualAsset("a1", "/bad.gif", "image/gif")

	f.m.Ensure(a)
	require.Eventually(t, func() bool { return f.srv.hitCount("/bad.gif") == 1 && !f.m.Has("a1") }, time.Second, 5*time.Millisecond)

	_, ok := f.m.Ensure(a)
	assert.False(t, ok)
	assert.False(t, f.m.Has("a1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Suppressed))

	f.clock.Advance(defaultDecodeCooldown)
	f.m.Ensure(a)
	assert.Eventually(t, func() bool { return f.srv.hitCount("/bad.gif") == 2 }, time.Second, 5*time.Millisecond)
}

func TestManager_ForgetDropsDecodeCooldown(t *testing.T) {
	f := newManagerFixture(t)
	f.srv.serve("/bad.gif", "image/gif", []byte("not a gif"))
	a := visualAsset("a1", "/bad.gif", "image/gif")

	f.m.Ensure(a)
	require.Eventually(t, func() bool { return f.srv.hitCount("/bad.gif") == 1 && !f.m.Has("a1") }, time.Second, 5*time.Millisecond)

	f.m.Clear("a1")
	f.m.Ensure(a)
	assert.Equal(t, 1, f.srv.hitCount("/bad.gif"))

	f.m.Forget("a1")
	f.m.Ensure(a)
	assert.Eventually(t, func() bool { return f.srv.hitCount("/bad.gif") == 2 }, time.Second, 5*time.Millisecond)
}

func TestManager_FailedStillImageRetriesLazily(t *testing.T) {
	f := newManagerFixture(t)
	a := visualAsset("a1", "/late.png", "image/png")

	f.m.Ensure(a)
	require.Eventually(t, func() bool { return f.srv.hitCount("/late.png") == 1 && !f.m.Has("a1") }, time.Second, 5*time.Millisecond)

	f.srv.serve("/late.png", "image/png", encodePNG(t, 2, 2, color.White))
	f.awaitHandle(t, a)
}

func TestManager_AnimatedGIFPumpsFrames(t *testing.T) {
	f := newManagerFixture(t)
	f.srv.serve("/a.gif", "image/gif", encodeGIF(t, 4, 4, []int{5, 5}, color.White, color.Black))
	a := visualAsset("a1", "/a.gif", "image/gif")
	f.awaitHandle(t, a)
	before := f.updates.Load()

	f.clock.Advance(50 * time.Millisecond)

	assert.Eventually(t, func() bool { return f.updates.Load() > before }, time.Second, 5*time.Millisecond)
}

func TestManager_UnsupportedVideoCodecDrawsNothing(t *testing.T) {
	f := newManagerFixture(t)
	f.video.codec = "prores"
	a := visualAsset("v1", "/clip.mov", "video/quicktime")

	f.m.Ensure(a)

	require.Eventually(t, func() bool { return f.m.Unsupported("v1") }, time.Second, 5*time.Millisecond)
	_, ok := f.m.Ensure(a)
	assert.False(t, ok)
	assert.Equal(t, 0, f.sound.count())
}

func TestManager_VideoSoundtrackStartsAfterFirstFrame(t *testing.T) {
	f := newManagerFixture(t)
	a := visualAsset("v1", "/clip.mp4", "video/mp4")
	a.VolumeFraction = 0.4

	f.m.Ensure(a)
	require.Eventually(t, func() bool { return len(f.video.openedRates()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.sound.count())

	f.video.last().frames <- color.RGBA{R: 255, A: 255}
	f.awaitHandle(t, a)
	require.Equal(t, 1, f.sound.count())
	track := f.sound.tracks[0]
	track.mu.Lock()
	assert.True(t, track.playing)
	assert.InDelta(t, 0.4, track.volume, 1e-9)
	track.mu.Unlock()
}

func TestManager_VideoRateChangeReopensStream(t *testing.T) {
	f := newManagerFixture(t)
	a := visualAsset("v1", "/clip.mp4", "video/mp4")
	f.m.Ensure(a)
	require.Eventually(t, func() bool { return len(f.video.openedRates()) == 1 }, time.Second, 5*time.Millisecond)
	f.video.last().frames <- color.RGBA{A: 255}
	f.awaitHandle(t, a)

	a.SpeedFraction = 2
	_, ok := f.m.Ensure(a)
	require.True(t, ok)

	assert.Equal(t, []float64{1, 2}, f.video.openedRates())
}

func TestManager_ModelsAreUnsupportedByDefault(t *testing.T) {
	f := newManagerFixture(t)
	f.srv.serve("/m.glb", "model/gltf-binary", []byte("glTF"))
	a := visualAsset("m1", "/m.glb", "model/gltf-binary")

	f.m.Ensure(a)

	require.Eventually(t, func() bool { return f.m.Unsupported("m1") }, time.Second, 5*time.Millisecond)
}

func TestUnsupportedModels(t *testing.T) {
	_, err := UnsupportedModels{}.Render(context.Background(), Resource{MediaType: "model/obj"}, 1, 1)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedMedia))
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{"streams":[{"codec_name":"vp9","width":1280,"height":720,"r_frame_rate":"30000/1001"}]}`)

	p, err := parseProbe(out)

	require.NoError(t, err)
	assert.Equal(t, "vp9", p.Codec)
	assert.Equal(t, 1280, p.Width)
	assert.InDelta(t, 29.97, p.FPS, 0.01)
	assert.True(t, supportedCodec(p.Codec))

	_, err = parseProbe([]byte(`{"streams":[]}`))
	assert.Error(t, err)
	assert.InDelta(t, float64(defaultFPS), parseFrameRate("0/0"), 1e-9)
}
