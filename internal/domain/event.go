package domain

// Event is one inbound change delivered by the surface's ordered event stream.
type Event interface{ isEvent() }

type baseEvent struct{}

func (baseEvent) isEvent() {}

// CanvasResize sets the surface dimensions.
type CanvasResize struct {
	baseEvent
	Width  int
	Height int
}

// Deleted removes an asset and everything derived from it.
type Deleted struct {
	baseEvent
	AssetID string
}

// Patch is a partial update of an already registered asset.
type Patch struct {
	baseEvent
	Patch AssetPatch
}

// FullPayload carries a complete asset record, e.g. on creation.
type FullPayload struct {
	baseEvent
	Asset AssetPatch
	// Prepend places a newly created asset on top instead of at the bottom.
	Prepend bool
}

// Visibility shows or hides an asset. Asset holds the merged payload or patch.
type Visibility struct {
	baseEvent
	Asset  AssetPatch
	Hidden bool
}

// Play starts or stops an audio asset immediately, bypassing the fade.
type Play struct {
	baseEvent
	Asset AssetPatch
	Play  bool
}

// ChatSnapshot replaces the recent chat messages visible to scripts.
type ChatSnapshot struct {
	baseEvent
	Messages []ChatMessage
}

// EmoteCatalog replaces the emote catalog visible to scripts.
type EmoteCatalog struct {
	baseEvent
	Emotes []Emote
}

func (p Patch) AssetID() string       { return p.Patch.ID }
func (p FullPayload) AssetID() string { return p.Asset.ID }
func (v Visibility) AssetID() string  { return v.Asset.ID }
func (p Play) AssetID() string        { return p.Asset.ID }

// Valid reports whether both dimensions are positive.
func (c CanvasResize) Valid() bool { return c.Width > 0 && c.Height > 0 }
