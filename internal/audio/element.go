// Package audio manages one playback element per audio asset: lazy creation,
// looping with an inter-loop delay, combined speed and pitch, volume bounds,
// and retrying playback that was rejected before the first user interaction.
package audio

// Element is a single playable sound source.
type Element interface {
	// Play starts or resumes playback. It returns domain.ErrPlaybackRejected
	// when the environment refuses to start audio yet.
	Play() error
	Pause()
	SeekStart()
	SetRate(rate float64)
	SetVolume(volume float64)
	Close() error
}

// Backend creates elements. onEnded is called from any goroutine each time
// playback reaches the end of the track.
type Backend interface {
	Open(url string, onEnded func()) (Element, error)
}

// Unlocker is implemented by backends that gate playback on user interaction.
type Unlocker interface {
	Unlock()
}
