package media

import (
	"image"
	"sync"

	"github.com/imgfloat/server-sub000/internal/domain"
)

// Handle is a drawable view of one asset's media.
type Handle interface {
	// Frame returns the current frame. ok is false until the first frame
	// has been decoded.
	Frame() (img image.Image, ok bool)
}

type pipeline interface {
	Handle
	// apply pushes changed playback settings into a live pipeline.
	apply(a domain.Asset, b domain.Bounds)
	close()
}

type stillPipeline struct {
	mu  sync.RWMutex
	img image.Image
}

func (s *stillPipeline) Frame() (image.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.img, s.img != nil
}

func (s *stillPipeline) apply(domain.Asset, domain.Bounds) {}

func (s *stillPipeline) close() {
	s.mu.Lock()
	s.img = nil
	s.mu.Unlock()
}

// frameSlot publishes bitmaps from a producer goroutine. A published bitmap
// is never written again: readers may keep drawing a frame long after it was
// superseded, so it is left to the garbage collector instead of the pool.
// The pool only takes back bitmaps that were never published.
type frameSlot struct {
	pool *BitmapPool

	mu      sync.RWMutex
	current *image.RGBA
}

func (s *frameSlot) Frame() (image.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, false
	}
	return s.current, true
}

// publish swaps in next and reports whether it is the first frame.
func (s *frameSlot) publish(next *image.RGBA) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.current == nil
	s.current = next
	return first
}

func (s *frameSlot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}
