package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgfloat/server-sub000/internal/audio"
	"github.com/imgfloat/server-sub000/internal/domain"
	"github.com/imgfloat/server-sub000/internal/media"
)

type recordingElement struct {
	mu      sync.Mutex
	onEnded func()
	rate    float64
	closed  bool
}

func (e *recordingElement) Play() error { return nil }
func (e *recordingElement) Pause()      {}
func (e *recordingElement) SeekStart()  {}

func (e *recordingElement) SetRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate = rate
}

func (e *recordingElement) SetVolume(float64) {}

func (e *recordingElement) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *recordingElement) state() (rate float64, closed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate, e.closed
}

type recordingBackend struct {
	mu       sync.Mutex
	elements []*recordingElement
}

func (b *recordingBackend) Open(_ string, onEnded func()) (audio.Element, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := &recordingElement{onEnded: onEnded, rate: 1}
	b.elements = append(b.elements, e)
	return e, nil
}

func (b *recordingBackend) opened() []*recordingElement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*recordingElement(nil), b.elements...)
}

// wiredAudioSurface runs a surface against the real media manager and audio
// controller so cross-component clears are exercised.
type wiredAudioSurface struct {
	*Surface
	clock   *clockwork.FakeClock
	backend *recordingBackend
	audio   *audio.Controller
}

func newWiredAudioSurface(t *testing.T) *wiredAudioSurface {
	t.Helper()
	bounds := domain.DefaultBounds()
	bounds.FrameInterval = time.Millisecond

	fetcher, err := media.NewFetcher(media.FetcherConfig{}, nil)
	require.NoError(t, err)

	w := &wiredAudioSurface{clock: clockwork.NewFakeClock(), backend: &recordingBackend{}}
	w.audio = audio.NewController(w.backend, bounds, w.clock)
	t.Cleanup(w.audio.Close)

	mgr := media.NewManager(media.Config{
		Clock:   w.clock,
		Bounds:  bounds,
		Fetcher: fetcher,
		Blobs:   media.NewBlobCache(fetcher, media.NewObjectURLs()),
	})
	t.Cleanup(mgr.Stop)

	w.Surface = NewSurface(Config{
		Bounds:  bounds,
		Width:   16,
		Height:  16,
		Media:   mgr,
		Audio:   w.audio,
		Sources: &fakeSources{},
	})
	w.Start(&fakeScripts{})
	t.Cleanup(w.Stop)
	return w
}

func TestSurface_AudioSettingsPatchKeepsLoopRestart(t *testing.T) {
	w := newWiredAudioSurface(t)
	ctx := context.Background()

	p := audioPatch("snd")
	p.Loop = ptr(true)
	p.DelayMs = ptr(2000)
	w.Apply(ctx, domain.FullPayload{Asset: p})
	_, err := w.Assets(ctx)
	require.NoError(t, err)
	require.True(t, w.audio.Playing("snd"))

	elems := w.backend.opened()
	require.Len(t, elems, 1)
	elems[0].onEnded()
	require.True(t, w.audio.PendingTimer("snd"))

	w.Apply(ctx, domain.Patch{Patch: domain.AssetPatch{ID: "snd", SpeedFraction: ptr(2.0)}})
	_, err = w.Assets(ctx)
	require.NoError(t, err)

	assert.True(t, w.audio.Has("snd"))
	assert.True(t, w.audio.PendingTimer("snd"), "the scheduled loop restart survives a settings patch")
	rate, closed := elems[0].state()
	assert.False(t, closed)
	assert.Equal(t, 2.0, rate)
	assert.Len(t, w.backend.opened(), 1)

	w.clock.Advance(2 * time.Second)
	assert.Eventually(t, func() bool { return !w.audio.PendingTimer("snd") }, time.Second, 5*time.Millisecond)
	assert.True(t, w.audio.Playing("snd"))
}

func TestSurface_DeletedAudioReleasesElement(t *testing.T) {
	w := newWiredAudioSurface(t)
	ctx := context.Background()
	w.Apply(ctx, domain.FullPayload{Asset: audioPatch("snd")})
	w.Apply(ctx, domain.Deleted{AssetID: "snd"})
	_, err := w.Assets(ctx)
	require.NoError(t, err)

	assert.False(t, w.audio.Has("snd"))
	elems := w.backend.opened()
	require.Len(t, elems, 1)
	_, closed := elems[0].state()
	assert.True(t, closed)
}
