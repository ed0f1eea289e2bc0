// Package visibility animates per-asset fades and keeps the transform each
// asset was last drawn with.
package visibility

import (
	"math"

	"github.com/imgfloat/server-sub000/internal/domain"
)

const (
	// Epsilon is the alpha at or below which a hidden asset is not drawn.
	Epsilon = 0.02

	HideRate = 0.18
	ShowRate = 0.20

	// settle is the distance from the target at which a fade is finished.
	settle = 0.001
)

// State is the per-asset fade and render state.
type State struct {
	Alpha        float64
	TargetHidden bool
	Transform    domain.Transform
	Drawn        bool
}

// Synchronizer is owned by the surface actor and is not safe for concurrent use.
type Synchronizer struct {
	states map[string]*State
}

func New() *Synchronizer {
	return &Synchronizer{states: make(map[string]*State)}
}

// Step advances the fade for one frame and returns the state to draw with.
// ok is false when the asset must be skipped entirely.
func (s *Synchronizer) Step(id string, hidden bool, t domain.Transform) (state State, ok bool) {
	st, exists := s.states[id]
	if !exists {
		if hidden {
			// Never drawn, so there is nothing to fade out.
			s.states[id] = &State{Alpha: 0, TargetHidden: true}
			return State{}, false
		}
		st = &State{Alpha: 1}
		s.states[id] = st
	}

	st.TargetHidden = hidden
	target := 1.0
	rate := ShowRate
	if hidden {
		target = 0
		rate = HideRate
	}
	st.Alpha = lerp(st.Alpha, target, rate)
	if math.Abs(st.Alpha-target) < settle {
		st.Alpha = target
	}

	if hidden && st.Alpha <= Epsilon {
		return *st, false
	}

	st.Transform = Normalize(st.Transform, t, st.Drawn)
	st.Drawn = true
	return *st, true
}

// Hide marks id hidden without advancing the fade. An asset that has never
// been drawn is dropped to alpha zero at once.
func (s *Synchronizer) Hide(id string) {
	st, ok := s.states[id]
	if !ok || !st.Drawn {
		s.states[id] = &State{Alpha: 0, TargetHidden: true}
		return
	}
	st.TargetHidden = true
}

// Drawn reports whether id has been drawn at least once.
func (s *Synchronizer) Drawn(id string) bool {
	st, ok := s.states[id]
	return ok && st.Drawn
}

func (s *Synchronizer) Get(id string) (State, bool) {
	st, ok := s.states[id]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Forget drops all state for id.
func (s *Synchronizer) Forget(id string) {
	delete(s.states, id)
}

// Animating reports whether any fade has not yet reached its target.
func (s *Synchronizer) Animating() bool {
	for _, st := range s.states {
		target := 1.0
		if st.TargetHidden {
			target = 0
		}
		if st.Alpha != target {
			return true
		}
	}
	return false
}

func (s *Synchronizer) Len() int { return len(s.states) }

// Normalize returns next with every NaN or infinite field replaced by the
// previous value. Before the first draw there is no previous value and such
// fields become zero.
func Normalize(prev, next domain.Transform, hasPrev bool) domain.Transform {
	if !hasPrev {
		prev = domain.Transform{}
	}
	return domain.Transform{
		X:        pick(prev.X, next.X),
		Y:        pick(prev.Y, next.Y),
		Width:    pick(prev.Width, next.Width),
		Height:   pick(prev.Height, next.Height),
		Rotation: pick(prev.Rotation, next.Rotation),
	}
}

func pick(prev, next float64) float64 {
	if math.IsNaN(next) || math.IsInf(next, 0) {
		return prev
	}
	return next
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
