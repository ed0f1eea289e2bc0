package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/imgfloat/server-sub000/internal/domain"
)

const sampleRate = 48000

// ProcessBackend plays each element through an ffplay child process.
// Pausing kills the process and remembers the position; resuming starts a
// new process that seeks to it.
type ProcessBackend struct {
	binary string
	clock  clockwork.Clock
	gated  bool

	unlocked atomic.Bool
}

// NewProcessBackend returns a backend running binary (usually "ffplay"). When
// requireInteraction is set, Play is rejected until Unlock has been called.
func NewProcessBackend(binary string, requireInteraction bool, clock clockwork.Clock) *ProcessBackend {
	if binary == "" {
		binary = "ffplay"
	}
	return &ProcessBackend{binary: binary, clock: clock, gated: requireInteraction}
}

func (b *ProcessBackend) Unlock() { b.unlocked.Store(true) }

func (b *ProcessBackend) Open(url string, onEnded func()) (Element, error) {
	if url == "" {
		return nil, fmt.Errorf("open audio: empty url")
	}
	return &processElement{backend: b, url: url, onEnded: onEnded, rate: 1, volume: 1}, nil
}

type processElement struct {
	backend *ProcessBackend
	url     string
	onEnded func()

	mu        sync.Mutex
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	startedAt time.Time
	offset    time.Duration
	rate      float64
	volume    float64
	closed    bool
}

func (e *processElement) Play() error {
	if e.backend.gated && !e.backend.unlocked.Load() {
		return domain.ErrPlaybackRejected
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("play %s: element closed", e.url)
	}
	if e.cmd != nil {
		return nil
	}
	return e.startLocked()
}

func (e *processElement) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseLocked()
}

func (e *processElement) SeekStart() {
	e.mu.Lock()
	defer e.mu.Unlock()

	playing := e.cmd != nil
	e.killLocked()
	e.offset = 0
	if playing {
		if err := e.startLocked(); err != nil {
			slog.Warn("Audio restart failed", "url", e.url, "error", err)
		}
	}
}

func (e *processElement) SetRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rate == e.rate {
		return
	}
	e.restartLocked(func() { e.rate = rate })
}

func (e *processElement) SetVolume(volume float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if volume == e.volume {
		return
	}
	e.restartLocked(func() { e.volume = volume })
}

func (e *processElement) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killLocked()
	e.closed = true
	return nil
}

// restartLocked applies change, restarting a running process at its current
// position so the new filter chain takes effect.
func (e *processElement) restartLocked(change func()) {
	if e.cmd == nil {
		change()
		return
	}
	e.pauseLocked()
	change()
	if err := e.startLocked(); err != nil {
		slog.Warn("Audio restart failed", "url", e.url, "error", err)
	}
}

func (e *processElement) pauseLocked() {
	if e.cmd == nil {
		return
	}
	played := e.backend.clock.Since(e.startedAt)
	e.offset += time.Duration(float64(played) * e.rate)
	e.killLocked()
}

func (e *processElement) killLocked() {
	if e.cancel != nil {
		e.cancel()
	}
	e.cmd, e.cancel = nil, nil
}

func (e *processElement) startLocked() error {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, e.backend.binary, e.args()...)
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", e.backend.binary, err)
	}
	e.cmd, e.cancel = cmd, cancel
	e.startedAt = e.backend.clock.Now()

	go e.wait(cmd)
	return nil
}

func (e *processElement) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	e.mu.Lock()
	if e.cmd != cmd {
		// Killed by pause, seek, or close.
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.cmd, e.cancel = nil, nil
	e.offset = 0
	e.mu.Unlock()

	if err != nil {
		// Only a clean exit means the track played to its end.
		slog.Warn("Audio process exited with error", "url", e.url, "error", err)
		return
	}
	e.onEnded()
}

func (e *processElement) args() []string {
	filter := fmt.Sprintf("aresample=%d,asetrate=%d*%s,aresample=%d,volume=%s",
		sampleRate, sampleRate, formatFloat(e.rate), sampleRate, formatFloat(e.volume))
	args := []string{"-nodisp", "-autoexit", "-loglevel", "error"}
	if e.offset > 0 {
		args = append(args, "-ss", formatFloat(e.offset.Seconds()))
	}
	return append(args, "-af", filter, "-i", e.url)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
