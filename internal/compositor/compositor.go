// Package compositor assembles the broadcast frame: visual assets in render
// order with their transform and fade alpha, then each script's surface on
// top.
package compositor

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"slices"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/imgfloat/server-sub000/internal/domain"
)

// Item is one visual asset ready to be drawn.
type Item struct {
	ID        string
	Image     image.Image
	Transform domain.Transform
	Alpha     float64
}

// Stats summarises a composited frame.
type Stats struct {
	Seq     uint64
	Drawn   int
	Skipped int
	Scripts int
	Width   int
	Height  int
}

// Compositor owns the main canvas. Draw runs on the surface goroutine;
// Snapshot and EncodePNG may be called concurrently from any goroutine.
type Compositor struct {
	scripts *ScriptLayer
	encoder png.Encoder

	mu     sync.RWMutex
	canvas *image.RGBA
	seq    uint64
}

func New(width, height int, scripts *ScriptLayer) *Compositor {
	if scripts == nil {
		scripts = NewScriptLayer()
	}
	return &Compositor{
		scripts: scripts,
		encoder: png.Encoder{CompressionLevel: png.BestSpeed},
		canvas:  image.NewRGBA(image.Rect(0, 0, max(width, 1), max(height, 1))),
	}
}

func (c *Compositor) Scripts() *ScriptLayer { return c.scripts }

// Resize replaces the canvas. The next Draw repaints everything.
func (c *Compositor) Resize(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := image.Rect(0, 0, max(width, 1), max(height, 1))
	if r != c.canvas.Rect {
		c.canvas = image.NewRGBA(r)
	}
}

func (c *Compositor) Size() (width, height int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.canvas.Rect.Dx(), c.canvas.Rect.Dy()
}

// Draw clears the canvas, draws items back to front, then the script
// surfaces in reverse scriptOrder so the first script ends up on top.
func (c *Compositor) Draw(items []Item, scriptOrder []string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.canvas.Pix)
	st := Stats{Width: c.canvas.Rect.Dx(), Height: c.canvas.Rect.Dy()}
	for _, it := range items {
		if drawItem(c.canvas, it) {
			st.Drawn++
		} else {
			st.Skipped++
		}
	}
	st.Scripts = c.scripts.drawOnto(c.canvas, scriptOrder)

	c.seq++
	st.Seq = c.seq
	return st
}

// Snapshot returns a copy of the last composited frame.
func (c *Compositor) Snapshot() *image.RGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := image.NewRGBA(c.canvas.Rect)
	copy(out.Pix, c.canvas.Pix)
	return out
}

// EncodePNG writes the last composited frame as PNG.
func (c *Compositor) EncodePNG(w io.Writer) error {
	return c.encoder.Encode(w, c.Snapshot())
}

func drawItem(dst *image.RGBA, it Item) bool {
	if it.Image == nil || it.Alpha <= 0 || !it.Transform.Valid() {
		return false
	}
	sb := it.Image.Bounds()
	if sb.Empty() {
		return false
	}

	t := it.Transform
	sx := t.Width / float64(sb.Dx())
	sy := t.Height / float64(sb.Dy())
	rad := t.Rotation * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)

	// Scale, rotate clockwise about the asset centre, translate.
	a, b := cos*sx, -sin*sy
	d, e := sin*sx, cos*sy
	cx, cy := t.X+t.Width/2, t.Y+t.Height/2
	tx := cx - cos*t.Width/2 + sin*t.Height/2
	ty := cy - sin*t.Width/2 - cos*t.Height/2
	tx -= a*float64(sb.Min.X) + b*float64(sb.Min.Y)
	ty -= d*float64(sb.Min.X) + e*float64(sb.Min.Y)
	m := f64.Aff3{a, b, tx, d, e, ty}

	var opts *draw.Options
	if it.Alpha < 1 {
		opts = &draw.Options{SrcMask: image.NewUniform(color.Alpha16{A: uint16(math.Round(it.Alpha * 0xffff))})}
	}
	draw.BiLinear.Transform(dst, m, it.Image, sb, draw.Over, opts)
	return true
}

// ScriptLayer holds the latest surface frame of every script. Frames are
// immutable once stored.
type ScriptLayer struct {
	mu     sync.RWMutex
	frames map[string]*image.RGBA
}

func NewScriptLayer() *ScriptLayer {
	return &ScriptLayer{frames: make(map[string]*image.RGBA)}
}

// Set stores frame as the latest surface of script id.
func (l *ScriptLayer) Set(id string, frame *image.RGBA) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames[id] = frame
}

func (l *ScriptLayer) Drop(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.frames, id)
}

func (l *ScriptLayer) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.frames[id]
	return ok
}

func (l *ScriptLayer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.frames)
}

func (l *ScriptLayer) drawOnto(dst *image.RGBA, order []string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, id := range slices.Backward(order) {
		frame, ok := l.frames[id]
		if !ok {
			continue
		}
		draw.Draw(dst, frame.Rect, frame, frame.Rect.Min, draw.Over)
		n++
	}
	return n
}
