// Package media turns visual asset URLs into drawable handles: decoded
// stills, animated frame pumps, video streams and rendered models. The
// manager keeps at most one live pipeline per asset id.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/gif"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
	"github.com/imgfloat/server-sub000/internal/audio"
	"github.com/imgfloat/server-sub000/internal/domain"
)

const (
	defaultDecodeCooldown  = 15 * time.Second
	defaultCaptureInterval = 250 * time.Millisecond
	defaultLoadTimeout     = 30 * time.Second
)

type Config struct {
	Clock   clockwork.Clock
	Bounds  domain.Bounds
	Fetcher *Fetcher
	Blobs   *BlobCache
	Pool    *BitmapPool
	Video   VideoBackend
	// Sound plays video soundtracks. Nil keeps videos silent.
	Sound  audio.Backend
	Models ModelRenderer
	// OnUpdate is called from any goroutine when an asset's drawable
	// content changed.
	OnUpdate func(id string)
	Metrics  *metrics.MediaMetrics

	DecodeCooldown  time.Duration
	CaptureInterval time.Duration
	LoadTimeout     time.Duration
}

type entry struct {
	id      string
	url     string
	class   domain.MediaClass
	started time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	pipe        pipeline
	unsupported bool
}

type starter interface{ start() }

type Manager struct {
	cfg Config

	mu       sync.Mutex
	entries  map[string]*entry
	failures map[blobKey]time.Time
	wg       sync.WaitGroup
	stopped  bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Pool == nil {
		cfg.Pool = NewBitmapPool()
	}
	if cfg.Models == nil {
		cfg.Models = UnsupportedModels{}
	}
	if cfg.OnUpdate == nil {
		cfg.OnUpdate = func(string) {}
	}
	if cfg.DecodeCooldown <= 0 {
		cfg.DecodeCooldown = defaultDecodeCooldown
	}
	if cfg.CaptureInterval <= 0 {
		cfg.CaptureInterval = defaultCaptureInterval
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	return &Manager{
		cfg:      cfg,
		entries:  make(map[string]*entry),
		failures: make(map[blobKey]time.Time),
	}
}

// Ensure returns the drawable handle for a visual asset. A cached handle
// for the same URL gets the asset's current settings; a handle for another
// URL is torn down first. When nothing is loaded yet, a load starts in the
// background and ok is false.
func (m *Manager) Ensure(a domain.Asset) (h Handle, ok bool) {
	if a.Kind != domain.KindVisual || a.MediaURL == "" {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, false
	}

	e, found := m.entries[a.ID]
	if found && e.url != a.MediaURL {
		m.teardownLocked(e)
		m.cfg.Blobs.Release(a.ID)
		found = false
	}
	if found {
		if e.pipe == nil {
			return nil, false
		}
		e.pipe.apply(a, m.cfg.Bounds)
		return e.pipe, true
	}

	class := domain.ClassifyMedia(a.MediaType, a.MediaURL)
	if class == domain.MediaAnimated {
		key := blobKey{id: a.ID, url: a.MediaURL}
		if at, failed := m.failures[key]; failed {
			if m.cfg.Clock.Since(at) < m.cfg.DecodeCooldown {
				if m.cfg.Metrics != nil {
					m.cfg.Metrics.Suppressed.Inc()
				}
				return nil, false
			}
			delete(m.failures, key)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LoadTimeout)
	e = &entry{
		id:      a.ID,
		url:     a.MediaURL,
		class:   class,
		started: m.cfg.Clock.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.entries[a.ID] = e
	m.setHandlesLocked()

	m.wg.Add(1)
	go m.load(e, a.Clone())
	return nil, false
}

// Clear drops the pipeline held for id together with its blobs and object
// URLs. Audio elements of audio assets belong to the audio controller and are
// left alone. It is idempotent.
func (m *Manager) Clear(id string) {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		m.teardownLocked(e)
	}
	m.mu.Unlock()

	m.cfg.Blobs.Release(id)
}

// Forget is Clear plus dropping recorded decode failures, for deleted assets.
func (m *Manager) Forget(id string) {
	m.Clear(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.failures {
		if key.id == id {
			delete(m.failures, key)
		}
	}
}

// Has reports whether an entry exists for id, loaded or not.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// Unsupported reports whether id's media was probed and rejected.
func (m *Manager) Unsupported(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return ok && e.unsupported
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stop tears down every pipeline and waits for in-flight loads.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	for _, e := range m.entries {
		m.teardownLocked(e)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) teardownLocked(e *entry) {
	e.cancelled.Store(true)
	e.cancel()
	if e.pipe != nil {
		e.pipe.close()
		e.pipe = nil
	}
	if m.entries[e.id] == e {
		delete(m.entries, e.id)
	}
	m.setHandlesLocked()
}

func (m *Manager) setHandlesLocked() {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.Handles.Set(float64(len(m.entries)))
		m.cfg.Metrics.ObjectURLs.Set(float64(m.cfg.Blobs.objects.Len()))
	}
}

func (m *Manager) load(e *entry, a domain.Asset) {
	defer m.wg.Done()

	pipe, err := m.build(e, a)

	m.mu.Lock()
	if e.cancelled.Load() || m.entries[e.id] != e {
		m.mu.Unlock()
		if pipe != nil {
			pipe.close()
		}
		return
	}

	switch {
	case errors.Is(err, domain.ErrUnsupportedMedia):
		e.unsupported = true
		m.mu.Unlock()
		m.observe(e, "unsupported")
		slog.Debug("Media not drawable", "asset_id", e.id, "class", e.class.String(), "error", err)
		return
	case err != nil:
		delete(m.entries, e.id)
		if e.class == domain.MediaAnimated {
			m.failures[blobKey{id: e.id, url: e.url}] = m.cfg.Clock.Now()
		}
		m.setHandlesLocked()
		m.mu.Unlock()
		m.cfg.Blobs.Release(e.id)
		m.observe(e, "error")
		slog.Warn("Media load failed", "asset_id", e.id, "class", e.class.String(), "error", err)
		return
	}

	e.pipe = pipe
	pipe.apply(a, m.cfg.Bounds)
	m.mu.Unlock()
	m.observe(e, "ok")

	if s, ok := pipe.(starter); ok {
		s.start()
		return
	}
	m.cfg.OnUpdate(e.id)
}

func (m *Manager) observe(e *entry, result string) {
	if m.cfg.Metrics == nil {
		return
	}
	class := e.class.String()
	m.cfg.Metrics.Loads.WithLabelValues(class, result).Inc()
	if result == "ok" {
		m.cfg.Metrics.LoadDuration.WithLabelValues(class).Observe(m.cfg.Clock.Since(e.started).Seconds())
	}
}

func (m *Manager) build(e *entry, a domain.Asset) (pipeline, error) {
	onFrame := func() { m.cfg.OnUpdate(e.id) }

	switch e.class {
	case domain.MediaVideo:
		if m.cfg.Video == nil {
			return nil, fmt.Errorf("no video backend: %w", domain.ErrUnsupportedMedia)
		}
		u, err := m.cfg.Fetcher.Resolve(e.url)
		if err != nil {
			return nil, err
		}
		probe, err := m.cfg.Video.Probe(e.ctx, u.String())
		if err != nil {
			return nil, fmt.Errorf("probe video: %w", err)
		}
		if !supportedCodec(probe.Codec) {
			return nil, fmt.Errorf("codec %q: %w", probe.Codec, domain.ErrUnsupportedMedia)
		}
		// The pipeline outlives the load timeout.
		return newVideoPipeline(context.Background(), m.cfg.Video, m.cfg.Sound, u.String(), probe, m.cfg.Pool, onFrame), nil

	case domain.MediaAnimated:
		blob, err := m.cfg.Blobs.Resolve(e.ctx, e.id, e.url)
		if err != nil {
			return nil, err
		}
		g, gifErr := gif.DecodeAll(bytes.NewReader(blob.Data))
		if gifErr == nil && len(g.Image) > 1 {
			return newAnimation(g, m.cfg.Clock, m.cfg.Pool, onFrame)
		}
		still, err := decodeStill(blob.Data)
		if err != nil {
			return nil, errors.Join(gifErr, err)
		}
		if gifErr == nil {
			return &stillPipeline{img: still}, nil
		}
		return newStillCapture(still, m.cfg.CaptureInterval, m.cfg.Clock, m.cfg.Pool, onFrame), nil

	case domain.MediaModel:
		blob, err := m.cfg.Blobs.Resolve(e.ctx, e.id, e.url)
		if err != nil {
			return nil, err
		}
		w, h := int(a.Transform.Width), int(a.Transform.Height)
		img, err := m.cfg.Models.Render(e.ctx, blob.Resource, max(w, 1), max(h, 1))
		if err != nil {
			return nil, err
		}
		return &stillPipeline{img: img}, nil

	default:
		blob, err := m.cfg.Blobs.Resolve(e.ctx, e.id, e.url)
		if err != nil {
			return nil, err
		}
		img, err := decodeStill(blob.Data)
		if err != nil {
			return nil, err
		}
		return &stillPipeline{img: img}, nil
	}
}
