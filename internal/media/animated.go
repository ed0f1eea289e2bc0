package media

import (
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imgfloat/server-sub000/internal/domain"
)

// defaultFrameDelay applies when a frame carries no duration.
const defaultFrameDelay = 100 * time.Millisecond

// animation pumps GIF frames on their embedded cadence and loops forever.
// Frames stay paletted until their turn comes; only the composed canvas and
// the published bitmaps are full RGBA.
type animation struct {
	frameSlot
	clock   clockwork.Clock
	onFrame func()

	cancelled atomic.Bool

	mu       sync.Mutex
	frames   []*image.Paletted
	delays   []time.Duration
	disposal []byte
	canvas   *image.RGBA
	index    int
	dispose  func()
	timer    clockwork.Timer
}

func newAnimation(g *gif.GIF, clock clockwork.Clock, pool *BitmapPool, onFrame func()) (*animation, error) {
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("gif has no frames")
	}
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}

	delays := make([]time.Duration, len(g.Image))
	for i := range g.Image {
		if i < len(g.Delay) && g.Delay[i] > 0 {
			delays[i] = time.Duration(g.Delay[i]) * 10 * time.Millisecond
		} else {
			delays[i] = defaultFrameDelay
		}
	}
	disposal := g.Disposal
	if len(disposal) < len(g.Image) {
		disposal = make([]byte, len(g.Image))
		copy(disposal, g.Disposal)
	}

	return &animation{
		frameSlot: frameSlot{pool: pool},
		clock:     clock,
		onFrame:   onFrame,
		frames:    g.Image,
		delays:    delays,
		disposal:  disposal,
		canvas:    image.NewRGBA(bounds),
	}, nil
}

func (a *animation) start() { a.step() }

func (a *animation) step() {
	a.mu.Lock()
	if a.cancelled.Load() {
		a.mu.Unlock()
		return
	}

	if a.dispose != nil {
		a.dispose()
		a.dispose = nil
	}
	if a.index == 0 {
		draw.Draw(a.canvas, a.canvas.Rect, image.Transparent, image.Point{}, draw.Src)
	}

	frame := a.frames[a.index]
	switch a.disposal[a.index] {
	case gif.DisposalBackground:
		r := frame.Bounds()
		a.dispose = func() { draw.Draw(a.canvas, r, image.Transparent, image.Point{}, draw.Src) }
	case gif.DisposalPrevious:
		r := frame.Bounds().Intersect(a.canvas.Rect)
		saved := image.NewRGBA(r)
		draw.Draw(saved, r, a.canvas, r.Min, draw.Src)
		a.dispose = func() { draw.Draw(a.canvas, r, saved, r.Min, draw.Src) }
	}
	draw.Draw(a.canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)

	bm := a.pool.Get(a.canvas.Rect)
	copy(bm.Pix, a.canvas.Pix)

	delay := a.delays[a.index]
	a.index = (a.index + 1) % len(a.frames)
	a.timer = a.clock.AfterFunc(delay, a.step)
	a.publish(bm)
	a.mu.Unlock()

	a.onFrame()
}

func (a *animation) apply(domain.Asset, domain.Bounds) {}

func (a *animation) close() {
	a.cancelled.Store(true)
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
	a.release()
}

// stillCapture is the fallback for animated formats without a frame decoder:
// it re-captures the decoded still on a fixed interval.
type stillCapture struct {
	frameSlot
	clock    clockwork.Clock
	src      image.Image
	interval time.Duration
	onFrame  func()

	cancelled atomic.Bool
	mu        sync.Mutex
	timer     clockwork.Timer
}

func newStillCapture(src image.Image, interval time.Duration, clock clockwork.Clock, pool *BitmapPool, onFrame func()) *stillCapture {
	return &stillCapture{
		frameSlot: frameSlot{pool: pool},
		clock:     clock,
		src:       src,
		interval:  interval,
		onFrame:   onFrame,
	}
}

func (c *stillCapture) start() { c.step() }

func (c *stillCapture) step() {
	c.mu.Lock()
	if c.cancelled.Load() {
		c.mu.Unlock()
		return
	}
	b := c.src.Bounds()
	bm := c.pool.Get(image.Rectangle{Max: b.Size()})
	draw.Draw(bm, bm.Rect, c.src, b.Min, draw.Src)
	c.timer = c.clock.AfterFunc(c.interval, c.step)
	first := c.publish(bm)
	c.mu.Unlock()

	if first {
		c.onFrame()
	}
}

func (c *stillCapture) apply(domain.Asset, domain.Bounds) {}

func (c *stillCapture) close() {
	c.cancelled.Store(true)
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.release()
}
