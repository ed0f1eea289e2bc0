package media

import (
	"image"
	"sync"
)

// BitmapPool recycles RGBA bitmaps by size. Pipelines return bitmaps they
// filled but never published, such as a video frame read after cancellation.
type BitmapPool struct {
	mu    sync.RWMutex
	pools map[image.Point]*sync.Pool
}

func NewBitmapPool() *BitmapPool {
	return &BitmapPool{pools: make(map[image.Point]*sync.Pool)}
}

// Get returns a bitmap covering rect. Its contents are undefined.
func (p *BitmapPool) Get(rect image.Rectangle) *image.RGBA {
	size := rect.Size()
	p.mu.RLock()
	pool, ok := p.pools[size]
	p.mu.RUnlock()

	if !ok {
		p.mu.Lock()
		pool, ok = p.pools[size]
		if !ok {
			pool = &sync.Pool{New: func() any { return image.NewRGBA(image.Rectangle{Max: size}) }}
			p.pools[size] = pool
		}
		p.mu.Unlock()
	}

	img := pool.Get().(*image.RGBA)
	img.Rect = image.Rectangle{Max: size}.Add(rect.Min)
	return img
}

// Put returns img to the pool. Callers must not touch img afterwards.
func (p *BitmapPool) Put(img *image.RGBA) {
	if img == nil {
		return
	}
	p.mu.RLock()
	pool, ok := p.pools[img.Rect.Size()]
	p.mu.RUnlock()
	if ok {
		pool.Put(img)
	}
}
