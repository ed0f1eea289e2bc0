package app

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imgfloat/server-sub000/internal/domain"
	"github.com/imgfloat/server-sub000/internal/media"
	"github.com/imgfloat/server-sub000/internal/sandbox"
)

type fakeHandle struct{ img image.Image }

func (h fakeHandle) Frame() (image.Image, bool) { return h.img, h.img != nil }

type fakeMedia struct {
	mu        sync.Mutex
	img       image.Image
	ensured   map[string]int
	cleared   []string
	forgotten []string
}

func newFakeMedia(c color.Color) *fakeMedia {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.Set(x, y, c)
		}
	}
	return &fakeMedia{img: img, ensured: make(map[string]int)}
}

func (m *fakeMedia) Ensure(a domain.Asset) (media.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured[a.ID]++
	return fakeHandle{img: m.img}, true
}

func (m *fakeMedia) Clear(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, id)
}

func (m *fakeMedia) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, id)
}

func (m *fakeMedia) forgottenIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.forgotten)
}

func (m *fakeMedia) clearedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.cleared)
}

type fakeAudio struct {
	mu       sync.Mutex
	calls    []string
	elements map[string]bool
	playing  map[string]bool
	retried  int
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{elements: make(map[string]bool), playing: make(map[string]bool)}
}

func (a *fakeAudio) record(format string, args ...any) {
	a.calls = append(a.calls, fmt.Sprintf(format, args...))
}

func (a *fakeAudio) Apply(asset domain.Asset) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("apply:%s", asset.ID)
	a.elements[asset.ID] = true
	return nil
}

func (a *fakeAudio) Play(asset domain.Asset) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("play:%s", asset.ID)
	a.elements[asset.ID] = true
	a.playing[asset.ID] = true
	return nil
}

func (a *fakeAudio) Stop(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.elements[id] {
		a.record("stop:%s", id)
	}
	a.playing[id] = false
}

func (a *fakeAudio) Clear(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.elements[id] {
		a.record("clear:%s", id)
	}
	delete(a.elements, id)
	delete(a.playing, id)
}

func (a *fakeAudio) Has(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.elements[id]
}

func (a *fakeAudio) Playing(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playing[id]
}

func (a *fakeAudio) Interaction() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("interaction")
	return a.retried
}

func (a *fakeAudio) PlayOneShot(url string, volume float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("shot:%s:%.2f", url, volume)
	return nil
}

func (a *fakeAudio) history() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.calls)
}

type fakeScripts struct {
	mu      sync.Mutex
	added   []sandbox.AddRequest
	removed []string
	updated []string
	resized [][2]int
	chat    [][]domain.ChatMessage
	emotes  [][]domain.Emote
	live    map[string]bool
	order   []string
}

func (f *fakeScripts) AddScript(req sandbox.AddRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, req)
	if f.live == nil {
		f.live = make(map[string]bool)
	}
	if _, seen := f.live[req.ID]; !seen {
		f.order = append(f.order, req.ID)
	}
	f.live[req.ID] = true
}

func (f *fakeScripts) RemoveScript(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	if f.live != nil {
		f.live[id] = false
	}
}

func (f *fakeScripts) UpdateAttachments(id string, _ []domain.Attachment, _ []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, id)
}

func (f *fakeScripts) Resize(width, height int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resized = append(f.resized, [2]int{width, height})
}

func (f *fakeScripts) UpdateChat(messages []domain.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chat = append(f.chat, messages)
}

func (f *fakeScripts) UpdateEmotes(emotes []domain.Emote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emotes = append(f.emotes, emotes)
}

func (f *fakeScripts) Status(context.Context) ([]sandbox.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.Status, 0, len(f.live))
	for _, id := range f.order {
		if f.live[id] {
			out = append(out, sandbox.Status{ID: id, Phase: "running"})
		}
	}
	return out, nil
}

func (f *fakeScripts) addedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.added))
	for _, r := range f.added {
		ids = append(ids, r.ID)
	}
	return ids
}

func (f *fakeScripts) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.removed)
}

type fakeSources struct {
	mu      sync.Mutex
	sources map[string]string
}

func (f *fakeSources) Fetch(_ context.Context, url string) (media.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[url]
	if !ok {
		return media.Resource{}, &media.StatusError{URL: url, Status: 404}
	}
	return media.Resource{Data: []byte(src), MediaType: "text/javascript"}, nil
}

type testSurface struct {
	*Surface
	media   *fakeMedia
	audio   *fakeAudio
	scripts *fakeScripts
}

func newTestSurface(t *testing.T, sources map[string]string) *testSurface {
	t.Helper()
	bounds := domain.DefaultBounds()
	bounds.FrameInterval = time.Millisecond
	bounds.MaxCanvasSide = 1920

	ts := &testSurface{
		media:   newFakeMedia(color.RGBA{R: 255, A: 255}),
		audio:   newFakeAudio(),
		scripts: &fakeScripts{},
	}
	ts.Surface = NewSurface(Config{
		Bounds:  bounds,
		Width:   16,
		Height:  16,
		Media:   ts.media,
		Audio:   ts.audio,
		Sources: &fakeSources{sources: sources},
	})
	ts.Start(ts.scripts)
	t.Cleanup(ts.Stop)
	return ts
}

// sync waits until every previously applied event has been processed.
func (ts *testSurface) sync(t *testing.T) []AssetView {
	t.Helper()
	views, err := ts.Assets(context.Background())
	require.NoError(t, err)
	return views
}

func ptr[T any](v T) *T { return &v }

func visualPatch(id string, x, y, w, h float64) domain.AssetPatch {
	return domain.AssetPatch{
		ID:        id,
		Type:      ptr("IMAGE"),
		MediaType: ptr("image/png"),
		URL:       ptr("https://cdn.example/" + id + ".png"),
		X:         ptr(x),
		Y:         ptr(y),
		Width:     ptr(w),
		Height:    ptr(h),
		Rotation:  ptr(0.0),
	}
}

func audioPatch(id string) domain.AssetPatch {
	return domain.AssetPatch{
		ID:        id,
		Type:      ptr("AUDIO"),
		MediaType: ptr("audio/mpeg"),
		URL:       ptr("https://cdn.example/" + id + ".mp3"),
	}
}

func scriptPatch(id, url string) domain.AssetPatch {
	return domain.AssetPatch{
		ID:        id,
		Type:      ptr("SCRIPT"),
		MediaType: ptr("application/javascript"),
		URL:       ptr(url),
	}
}

func viewIDs(views []AssetView) []string {
	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	return ids
}
