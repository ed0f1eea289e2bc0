package domain

import "errors"

var (
	ErrAssetNotFound     = errors.New("asset not found")
	ErrUnsupportedMedia  = errors.New("unsupported media")
	ErrPlaybackRejected  = errors.New("playback rejected until user interaction")
	ErrNetworkDenied     = errors.New("network request denied by allow-list")
	ErrScriptNotFound    = errors.New("script instance not found")
	ErrDependencyDenied  = errors.New("dependency is not in the shared dependency list")
	ErrDecodeCoolingDown = errors.New("animated decode suppressed after recent failure")
)
