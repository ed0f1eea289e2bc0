package media

import (
	"bytes"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imgfloat/server-sub000/internal/platform/retry"
)

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// encodeGIF builds a w×h animation with one solid frame per colour.
func encodeGIF(t *testing.T, w, h int, delays []int, colors ...color.Color) []byte {
	t.Helper()
	g := &gif.GIF{Config: image.Config{Width: w, Height: h, ColorModel: color.Palette(palette.Plan9)}}
	for i, c := range colors {
		frame := image.NewPaletted(image.Rect(0, 0, w, h), palette.Plan9)
		idx := uint8(frame.Palette.Index(c))
		for p := range frame.Pix {
			frame.Pix[p] = idx
		}
		g.Image = append(g.Image, frame)
		g.Delay = append(g.Delay, delays[i])
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

// mediaServer serves fixed bodies by path and counts hits.
type mediaServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies map[string]served
	hits   map[string]*atomic.Int32
	gate   chan struct{}
}

type served struct {
	status    int
	mediaType string
	body      []byte
}

func newMediaServer(t *testing.T) *mediaServer {
	t.Helper()
	s := &mediaServer{bodies: make(map[string]served), hits: make(map[string]*atomic.Int32)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		b, ok := s.bodies[r.URL.Path]
		counter := s.counterLocked(r.URL.Path)
		gate := s.gate
		s.mu.Unlock()
		counter.Add(1)

		if gate != nil {
			<-gate
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		if b.mediaType != "" {
			w.Header().Set("Content-Type", b.mediaType)
		}
		w.WriteHeader(b.status)
		_, _ = w.Write(b.body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *mediaServer) counterLocked(path string) *atomic.Int32 {
	c, ok := s.hits[path]
	if !ok {
		c = &atomic.Int32{}
		s.hits[path] = c
	}
	return c
}

func (s *mediaServer) serve(path, mediaType string, body []byte) {
	s.serveStatus(path, http.StatusOK, mediaType, body)
}

func (s *mediaServer) serveStatus(path string, status int, mediaType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[path] = served{status: status, mediaType: mediaType, body: body}
}

func (s *mediaServer) setGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

func (s *mediaServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.counterLocked(path).Load())
}

func testFetcher(t *testing.T, base string) *Fetcher {
	t.Helper()
	f, err := NewFetcher(FetcherConfig{
		BaseURL: base,
		Timeout: 5 * time.Second,
		Retry:   retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}, nil)
	require.NoError(t, err)
	return f
}
