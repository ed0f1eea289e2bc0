package sandbox

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

type drawState struct {
	fill         color.NRGBA
	stroke       color.NRGBA
	alpha        float64
	lineWidth    float64
	fillString   string
	strokeString string
}

// surface is a script's private drawing target with a subset of the 2D
// canvas API. Only the runtime goroutine touches it.
type surface struct {
	img   *image.RGBA
	state drawState
	stack []drawState
	dirty bool
}

func newSurface(width, height int) *surface {
	s := &surface{img: image.NewRGBA(image.Rect(0, 0, max(width, 1), max(height, 1)))}
	s.state = drawState{
		fill:         color.NRGBA{A: 255},
		stroke:       color.NRGBA{A: 255},
		alpha:        1,
		lineWidth:    1,
		fillString:   "#000000",
		strokeString: "#000000",
	}
	s.dirty = true
	return s
}

func (s *surface) width() int  { return s.img.Rect.Dx() }
func (s *surface) height() int { return s.img.Rect.Dy() }

// resize replaces the bitmap; like a canvas, resizing clears it.
func (s *surface) resize(width, height int) {
	s.img = image.NewRGBA(image.Rect(0, 0, max(width, 1), max(height, 1)))
	s.dirty = true
}

// snapshot copies the bitmap if it changed since the last snapshot.
func (s *surface) snapshot() (*image.RGBA, bool) {
	if !s.dirty {
		return nil, false
	}
	s.dirty = false
	out := image.NewRGBA(s.img.Rect)
	copy(out.Pix, s.img.Pix)
	return out, true
}

func (s *surface) setFillStyle(v string) {
	if c, ok := parseColor(v); ok {
		s.state.fill = c
		s.state.fillString = v
	}
}

func (s *surface) setStrokeStyle(v string) {
	if c, ok := parseColor(v); ok {
		s.state.stroke = c
		s.state.strokeString = v
	}
}

func (s *surface) setGlobalAlpha(v float64) {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return
	}
	s.state.alpha = v
}

func (s *surface) setLineWidth(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return
	}
	s.state.lineWidth = v
}

func (s *surface) save() { s.stack = append(s.stack, s.state) }

func (s *surface) restore() {
	if n := len(s.stack); n > 0 {
		s.state = s.stack[n-1]
		s.stack = s.stack[:n-1]
	}
}

func (s *surface) paint(r image.Rectangle, c color.NRGBA) {
	r = r.Intersect(s.img.Rect)
	if r.Empty() {
		return
	}
	mask := image.NewUniform(color.Alpha{A: clampByte(s.state.alpha * 255)})
	draw.DrawMask(s.img, r, image.NewUniform(c), image.Point{}, mask, image.Point{}, draw.Over)
	s.dirty = true
}

func (s *surface) fillRect(x, y, w, h float64) {
	s.paint(rectOf(x, y, w, h), s.state.fill)
}

func (s *surface) clearRect(x, y, w, h float64) {
	r := rectOf(x, y, w, h).Intersect(s.img.Rect)
	if r.Empty() {
		return
	}
	draw.Draw(s.img, r, image.Transparent, image.Point{}, draw.Src)
	s.dirty = true
}

func (s *surface) strokeRect(x, y, w, h float64) {
	outer := rectOf(x, y, w, h)
	lw := max(int(math.Round(s.state.lineWidth)), 1)
	c := s.state.stroke
	s.paint(image.Rect(outer.Min.X, outer.Min.Y, outer.Max.X, outer.Min.Y+lw), c)
	s.paint(image.Rect(outer.Min.X, outer.Max.Y-lw, outer.Max.X, outer.Max.Y), c)
	s.paint(image.Rect(outer.Min.X, outer.Min.Y+lw, outer.Min.X+lw, outer.Max.Y-lw), c)
	s.paint(image.Rect(outer.Max.X-lw, outer.Min.Y+lw, outer.Max.X, outer.Max.Y-lw), c)
}

var textFace font.Face = basicfont.Face7x13

// fillText draws text with its baseline at y.
func (s *surface) fillText(text string, x, y float64) {
	if text == "" || !finite(x) || !finite(y) {
		return
	}
	c := s.state.fill
	c.A = clampByte(float64(c.A) * s.state.alpha)
	d := font.Drawer{
		Dst:  s.img,
		Src:  image.NewUniform(c),
		Face: textFace,
		Dot:  fixed.P(int(math.Round(x)), int(math.Round(y))),
	}
	d.DrawString(text)
	s.dirty = true
}

func (s *surface) measureText(text string) int {
	return font.MeasureString(textFace, text).Round()
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// rectOf converts canvas coordinates, allowing negative sizes.
func rectOf(x, y, w, h float64) image.Rectangle {
	if !finite(x) || !finite(y) || !finite(w) || !finite(h) {
		return image.Rectangle{}
	}
	return image.Rect(
		int(math.Round(x)), int(math.Round(y)),
		int(math.Round(x+w)), int(math.Round(y+h)),
	).Canon()
}
