package domain

import (
	"math"
	"slices"
	"strings"
)

// Kind is the coarse asset category. It decides which layer sequence an
// asset belongs to and which subsystem owns its resources.
type Kind int

const (
	KindVisual Kind = iota
	KindAudio
	KindScript
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindScript:
		return "script"
	default:
		return "visual"
	}
}

// ResolveKind derives an asset kind from the declared asset type and, when the
// declared type is absent or unknown, from the media type prefix. This is the
// only place kind inference happens.
func ResolveKind(declaredType, mediaType string) Kind {
	switch strings.ToUpper(strings.TrimSpace(declaredType)) {
	case "AUDIO":
		return KindAudio
	case "SCRIPT":
		return KindScript
	case "IMAGE", "VIDEO", "MODEL", "GRAPHIC", "VISUAL":
		return KindVisual
	}

	mt := strings.ToLower(strings.TrimSpace(mediaType))
	switch {
	case strings.HasPrefix(mt, "audio/"):
		return KindAudio
	case mt == "application/javascript", mt == "text/javascript", mt == "application/x-javascript":
		return KindScript
	default:
		return KindVisual
	}
}

// MediaClass narrows a visual asset to the pipeline that decodes it.
type MediaClass int

const (
	MediaImage MediaClass = iota
	MediaAnimated
	MediaVideo
	MediaModel
)

func (c MediaClass) String() string {
	switch c {
	case MediaAnimated:
		return "animated"
	case MediaVideo:
		return "video"
	case MediaModel:
		return "model"
	default:
		return "image"
	}
}

// ClassifyMedia picks the decode pipeline for a visual asset.
func ClassifyMedia(mediaType, url string) MediaClass {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	switch {
	case strings.HasPrefix(mt, "video/"):
		return MediaVideo
	case strings.HasPrefix(mt, "model/"):
		return MediaModel
	case mt == "image/gif", mt == "image/apng":
		return MediaAnimated
	case strings.HasPrefix(mt, "image/"):
		return MediaImage
	}

	lower := strings.ToLower(url)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".gif"), strings.HasSuffix(lower, ".apng"):
		return MediaAnimated
	case strings.HasSuffix(lower, ".mp4"), strings.HasSuffix(lower, ".webm"), strings.HasSuffix(lower, ".mov"):
		return MediaVideo
	case strings.HasSuffix(lower, ".glb"), strings.HasSuffix(lower, ".gltf"), strings.HasSuffix(lower, ".obj"):
		return MediaModel
	default:
		return MediaImage
	}
}

// Transform is the placement of a visual asset on the canvas. Rotation is in
// degrees, clockwise, about the centre of the asset.
type Transform struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
}

// Valid reports whether the transform describes a drawable rectangle.
func (t Transform) Valid() bool {
	for _, v := range []float64{t.X, t.Y, t.Width, t.Height, t.Rotation} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return t.Width > 0 && t.Height > 0
}

// Attachment is a file a script asset ships alongside its source.
type Attachment struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
}

// Asset is the canonical record for one unit of overlay content.
type Asset struct {
	ID        string
	Type      string
	Kind      Kind
	Transform Transform
	MediaURL  string
	MediaType string
	Hidden    bool

	Loop           bool
	DelayMs        int
	SpeedFraction  float64
	PitchFraction  float64
	VolumeFraction float64

	Attachments    []Attachment
	AllowedDomains []string
}

// Clone returns a copy that shares no slices with the receiver.
func (a Asset) Clone() Asset {
	a.Attachments = slices.Clone(a.Attachments)
	a.AllowedDomains = slices.Clone(a.AllowedDomains)
	return a
}

// IsVideo reports whether a visual asset is decoded through the video pipeline.
func (a Asset) IsVideo() bool {
	return a.Kind == KindVisual && ClassifyMedia(a.MediaType, a.MediaURL) == MediaVideo
}

// AssetPatch carries a partial asset update. A nil field was not provided
// and never overwrites the stored value; JSON null decodes to nil.
type AssetPatch struct {
	ID        string   `json:"id"`
	Type      *string  `json:"assetType,omitempty"`
	MediaType *string  `json:"mediaType,omitempty"`
	URL       *string  `json:"url,omitempty"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Width     *float64 `json:"width,omitempty"`
	Height    *float64 `json:"height,omitempty"`
	Rotation  *float64 `json:"rotation,omitempty"`
	Hidden    *bool    `json:"hidden,omitempty"`
	Order     *float64 `json:"order,omitempty"`

	Loop           *bool    `json:"audioLoop,omitempty"`
	DelayMs        *int     `json:"audioDelayMillis,omitempty"`
	SpeedFraction  *float64 `json:"speed,omitempty"`
	PitchFraction  *float64 `json:"audioPitch,omitempty"`
	VolumeFraction *float64 `json:"audioVolume,omitempty"`

	Attachments    *[]Attachment `json:"scriptAttachments,omitempty"`
	AllowedDomains *[]string     `json:"allowedDomains,omitempty"`
}

// PatchFromAsset builds a patch that carries every field of a.
func PatchFromAsset(a Asset) AssetPatch {
	atts := slices.Clone(a.Attachments)
	domains := slices.Clone(a.AllowedDomains)
	return AssetPatch{
		ID:             a.ID,
		Type:           &a.Type,
		MediaType:      &a.MediaType,
		URL:            &a.MediaURL,
		X:              &a.Transform.X,
		Y:              &a.Transform.Y,
		Width:          &a.Transform.Width,
		Height:         &a.Transform.Height,
		Rotation:       &a.Transform.Rotation,
		Hidden:         &a.Hidden,
		Loop:           &a.Loop,
		DelayMs:        &a.DelayMs,
		SpeedFraction:  &a.SpeedFraction,
		PitchFraction:  &a.PitchFraction,
		VolumeFraction: &a.VolumeFraction,
		Attachments:    &atts,
		AllowedDomains: &domains,
	}
}

// NewAsset returns an asset with neutral playback settings, ready for a patch
// to be merged into it.
func NewAsset(id string) Asset {
	return Asset{ID: id, SpeedFraction: 1, PitchFraction: 1, VolumeFraction: 1}
}

// Merge applies every provided patch field to a and re-derives the kind.
func (a *Asset) Merge(p AssetPatch) {
	if p.Type != nil {
		a.Type = *p.Type
	}
	if p.MediaType != nil {
		a.MediaType = *p.MediaType
	}
	if p.URL != nil {
		a.MediaURL = *p.URL
	}
	if p.X != nil {
		a.Transform.X = *p.X
	}
	if p.Y != nil {
		a.Transform.Y = *p.Y
	}
	if p.Width != nil {
		a.Transform.Width = *p.Width
	}
	if p.Height != nil {
		a.Transform.Height = *p.Height
	}
	if p.Rotation != nil {
		a.Transform.Rotation = *p.Rotation
	}
	if p.Hidden != nil {
		a.Hidden = *p.Hidden
	}
	if p.Loop != nil {
		a.Loop = *p.Loop
	}
	if p.DelayMs != nil {
		a.DelayMs = *p.DelayMs
	}
	if p.SpeedFraction != nil {
		a.SpeedFraction = *p.SpeedFraction
	}
	if p.PitchFraction != nil {
		a.PitchFraction = *p.PitchFraction
	}
	if p.VolumeFraction != nil {
		a.VolumeFraction = *p.VolumeFraction
	}
	if p.Attachments != nil {
		a.Attachments = slices.Clone(*p.Attachments)
	}
	if p.AllowedDomains != nil {
		a.AllowedDomains = slices.Clone(*p.AllowedDomains)
	}
	a.Kind = ResolveKind(a.Type, a.MediaType)
}

// TouchesAudio reports whether the patch changes playback settings.
func (p AssetPatch) TouchesAudio() bool {
	return p.URL != nil || p.Loop != nil || p.DelayMs != nil || p.SpeedFraction != nil ||
		p.PitchFraction != nil || p.VolumeFraction != nil
}

// TouchesScript reports whether the patch changes what a script instance sees.
func (p AssetPatch) TouchesScript() bool {
	return p.Attachments != nil || p.AllowedDomains != nil
}
