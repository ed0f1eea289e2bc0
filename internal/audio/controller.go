package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imgfloat/server-sub000/internal/domain"
)

type player struct {
	id  string
	url string
	gen uint64

	elem      Element
	loop      bool
	baseDelay time.Duration
	delay     time.Duration
	timer     clockwork.Timer
	playing   bool
	queued    bool
}

// Controller owns every audio element. It is safe for concurrent use.
type Controller struct {
	clock   clockwork.Clock
	backend Backend
	bounds  domain.Bounds

	mu      sync.Mutex
	players map[string]*player
	pending []string
	gen     uint64
	shots   map[uint64]Element
}

func NewController(backend Backend, bounds domain.Bounds, clock clockwork.Clock) *Controller {
	return &Controller{
		clock:   clock,
		backend: backend,
		bounds:  bounds,
		players: make(map[string]*player),
		shots:   make(map[uint64]Element),
	}
}

// Apply pushes the asset's settings into its element, creating the element
// on first use and recreating it when the URL changed. Every call resets the
// inter-loop delay to its base value; an already scheduled restart keeps
// its original delay.
func (c *Controller) Apply(a domain.Asset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.applyLocked(a)
	return err
}

// Play applies the settings and starts playback immediately.
func (c *Controller) Play(a domain.Asset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.applyLocked(a)
	if err != nil {
		return err
	}
	if p.playing {
		return nil
	}
	c.cancelTimerLocked(p)
	return c.playLocked(p)
}

// Stop cancels a pending restart, pauses, rewinds, and resets the delay.
func (c *Controller) Stop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.players[id]; ok {
		c.stopLocked(p)
	}
}

// Clear stops playback and releases the element. It is idempotent.
func (c *Controller) Clear(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.players[id]
	if !ok {
		return
	}
	c.stopLocked(p)
	if err := p.elem.Close(); err != nil {
		slog.Debug("Audio element close failed", "asset_id", id, "error", err)
	}
	delete(c.players, id)
}

// Interaction retries every playback rejected since the previous
// interaction. The queue is drained exactly once per call; a retry that is
// rejected again waits for the next interaction.
func (c *Controller) Interaction() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if u, ok := c.backend.(Unlocker); ok {
		u.Unlock()
	}

	queue := c.pending
	c.pending = nil
	retried := 0
	for _, id := range queue {
		p, ok := c.players[id]
		if !ok || !p.queued {
			continue
		}
		p.queued = false
		retried++
		if err := c.playLocked(p); err != nil {
			slog.Warn("Audio retry failed", "asset_id", id, "error", err)
		}
	}
	return retried
}

// PlayOneShot plays url once at the given volume and releases the element
// when it ends.
func (c *Controller) PlayOneShot(url string, volume float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	gen := c.gen
	elem, err := c.backend.Open(url, func() { c.endShot(gen) })
	if err != nil {
		return fmt.Errorf("open one-shot audio: %w", err)
	}
	elem.SetVolume(c.bounds.ClampVolume(volume))
	if err := elem.Play(); err != nil {
		_ = elem.Close()
		return fmt.Errorf("play one-shot audio: %w", err)
	}
	c.shots[gen] = elem
	return nil
}

// Close releases every element.
func (c *Controller) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.players))
	for id := range c.players {
		ids = append(ids, id)
	}
	shots := c.shots
	c.shots = make(map[uint64]Element)
	c.mu.Unlock()

	for _, id := range ids {
		c.Clear(id)
	}
	for _, e := range shots {
		_ = e.Close()
	}
}

func (c *Controller) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.players[id]
	return ok
}

func (c *Controller) Playing(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.players[id]
	return ok && p.playing
}

// PendingTimer reports whether a delayed restart is scheduled for id.
func (c *Controller) PendingTimer(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.players[id]
	return ok && p.timer != nil
}

func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.players)
}

func (c *Controller) applyLocked(a domain.Asset) (*player, error) {
	if a.MediaURL == "" {
		return nil, fmt.Errorf("audio asset %s has no media URL", a.ID)
	}

	p, ok := c.players[a.ID]
	if ok && p.url != a.MediaURL {
		c.stopLocked(p)
		_ = p.elem.Close()
		delete(c.players, a.ID)
		ok = false
	}
	if !ok {
		c.gen++
		gen := c.gen
		id := a.ID
		elem, err := c.backend.Open(a.MediaURL, func() { c.ended(id, gen) })
		if err != nil {
			return nil, fmt.Errorf("open audio element: %w", err)
		}
		p = &player{id: a.ID, url: a.MediaURL, gen: gen, elem: elem}
		c.players[a.ID] = p
	}

	p.loop = a.Loop
	p.baseDelay = time.Duration(max(a.DelayMs, 0)) * time.Millisecond
	p.delay = p.baseDelay
	p.elem.SetRate(c.bounds.PlaybackRate(a.SpeedFraction, a.PitchFraction))
	p.elem.SetVolume(c.bounds.ClampVolume(a.VolumeFraction))
	return p, nil
}

func (c *Controller) playLocked(p *player) error {
	err := p.elem.Play()
	if errors.Is(err, domain.ErrPlaybackRejected) {
		if !p.queued {
			p.queued = true
			c.pending = append(c.pending, p.id)
		}
		slog.Debug("Audio playback rejected, waiting for interaction", "asset_id", p.id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("play audio %s: %w", p.id, err)
	}
	p.playing = true
	return nil
}

func (c *Controller) stopLocked(p *player) {
	c.cancelTimerLocked(p)
	p.elem.Pause()
	p.elem.SeekStart()
	p.delay = p.baseDelay
	p.playing = false
	if p.queued {
		p.queued = false
		c.pending = slices.DeleteFunc(c.pending, func(id string) bool { return id == p.id })
	}
}

func (c *Controller) cancelTimerLocked(p *player) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (c *Controller) ended(id string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.players[id]
	if !ok || p.gen != gen || !p.playing {
		return
	}
	if !p.loop {
		p.elem.Pause()
		p.elem.SeekStart()
		p.playing = false
		return
	}

	c.cancelTimerLocked(p)
	var timer clockwork.Timer
	timer = c.clock.AfterFunc(p.delay, func() { c.restart(id, gen, timer) })
	p.timer = timer
}

func (c *Controller) restart(id string, gen uint64, timer clockwork.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.players[id]
	if !ok || p.gen != gen || p.timer != timer {
		return
	}
	p.timer = nil
	p.elem.SeekStart()
	p.playing = false
	if err := c.playLocked(p); err != nil {
		slog.Warn("Audio loop restart failed", "asset_id", id, "error", err)
	}
}

func (c *Controller) endShot(gen uint64) {
	c.mu.Lock()
	elem, ok := c.shots[gen]
	delete(c.shots, gen)
	c.mu.Unlock()
	if ok {
		_ = elem.Close()
	}
}
