package compositor

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler coalesces redraw requests and throttles draws to one per
// interval. A request arriving before the interval elapsed schedules exactly
// one deferred draw; further requests until that draw starts are absorbed.
type Scheduler struct {
	clock    clockwork.Clock
	interval time.Duration
	post     func()

	mu       sync.Mutex
	pending  bool
	drawn    bool
	lastDraw time.Time
	timer    clockwork.Timer
}

// NewScheduler returns a scheduler that calls post when a draw is due. post
// may run on any goroutine and must not block.
func NewScheduler(clock clockwork.Clock, interval time.Duration, post func()) *Scheduler {
	return &Scheduler{clock: clock, interval: interval, post: post}
}

// Request asks for a redraw.
func (s *Scheduler) Request() {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = true

	wait := s.interval - s.clock.Since(s.lastDraw)
	if !s.drawn || wait <= 0 {
		s.mu.Unlock()
		s.post()
		return
	}
	s.timer = s.clock.AfterFunc(wait, s.post)
	s.mu.Unlock()
}

// Begin marks the start of a draw and re-arms Request.
func (s *Scheduler) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	s.drawn = true
	s.lastDraw = s.clock.Now()
	s.timer = nil
}

// Pending reports whether a requested draw has not started yet.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Stop cancels a deferred draw.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
