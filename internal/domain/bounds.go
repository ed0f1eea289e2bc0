package domain

import (
	"math"
	"time"
)

// Bounds are the global numeric limits supplied by configuration.
type Bounds struct {
	FrameInterval time.Duration
	MinSpeed      float64
	MaxSpeed      float64
	MinPitch      float64
	MaxPitch      float64
	MinVolume     float64
	MaxVolume     float64
	MaxCanvasSide int
}

// DefaultBounds mirrors the configuration defaults.
func DefaultBounds() Bounds {
	return Bounds{
		FrameInterval: time.Second / 60,
		MinSpeed:      0.1,
		MaxSpeed:      4,
		MinPitch:      0.5,
		MaxPitch:      2,
		MinVolume:     0,
		MaxVolume:     1,
		MaxCanvasSide: 7680,
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func (b Bounds) ClampSpeed(v float64) float64  { return clamp(v, b.MinSpeed, b.MaxSpeed) }
func (b Bounds) ClampPitch(v float64) float64  { return clamp(v, b.MinPitch, b.MaxPitch) }
func (b Bounds) ClampVolume(v float64) float64 { return clamp(v, b.MinVolume, b.MaxVolume) }

// PlaybackRate combines speed and pitch into the single rate an audio element
// supports. The result is always above zero.
func (b Bounds) PlaybackRate(speed, pitch float64) float64 {
	rate := b.ClampSpeed(speed) * b.ClampPitch(pitch)
	if rate <= 0 {
		return minPlaybackRate
	}
	return rate
}

// VideoRate is the playback rate for a video asset, floored above zero.
func (b Bounds) VideoRate(speed float64) float64 {
	rate := b.ClampSpeed(speed)
	if rate <= 0 {
		return minPlaybackRate
	}
	return rate
}

const minPlaybackRate = 0.0625

// ClampCanvas limits a canvas dimension to [1, MaxCanvasSide].
func (b Bounds) ClampCanvas(side int) int {
	if side < 1 {
		return 1
	}
	if b.MaxCanvasSide > 0 && side > b.MaxCanvasSide {
		return b.MaxCanvasSide
	}
	return side
}
