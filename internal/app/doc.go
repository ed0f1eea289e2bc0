// Package app hosts the Surface actor: the single goroutine that owns the
// asset registry and layer order, applies inbound events in stream order,
// drives media, audio and script lifecycles, and redraws the frame.
package app
