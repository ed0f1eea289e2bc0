package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKind(t *testing.T) {
	tests := []struct {
		declared, mediaType string
		want                Kind
	}{
		{"AUDIO", "", KindAudio},
		{"script", "", KindScript},
		{"IMAGE", "audio/mpeg", KindVisual},
		{"", "audio/ogg", KindAudio},
		{"", "application/javascript", KindScript},
		{"", "video/webm", KindVisual},
		{"", "", KindVisual},
		{"unknown", "text/javascript", KindScript},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveKind(tt.declared, tt.mediaType), "%q/%q", tt.declared, tt.mediaType)
	}
}

func TestClassifyMedia(t *testing.T) {
	assert.Equal(t, MediaVideo, ClassifyMedia("video/mp4", ""))
	assert.Equal(t, MediaAnimated, ClassifyMedia("image/gif", ""))
	assert.Equal(t, MediaImage, ClassifyMedia("image/png", ""))
	assert.Equal(t, MediaModel, ClassifyMedia("model/gltf-binary", ""))
	assert.Equal(t, MediaAnimated, ClassifyMedia("", "https://cdn.test/a.GIF?x=1"))
	assert.Equal(t, MediaVideo, ClassifyMedia("", "/media/clip.webm"))
}

func TestMerge_NullFieldsAreIgnored(t *testing.T) {
	a := NewAsset("a1")

	var first AssetPatch
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a1","url":"https://cdn.test/a.png","width":100,"audioVolume":0.5}`), &first))
	a.Merge(first)

	var second AssetPatch
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a1","url":null,"width":null,"height":40}`), &second))
	a.Merge(second)

	assert.Equal(t, "https://cdn.test/a.png", a.MediaURL)
	assert.Equal(t, 100.0, a.Transform.Width)
	assert.Equal(t, 40.0, a.Transform.Height)
	assert.Equal(t, 0.5, a.VolumeFraction)
	assert.Equal(t, 1.0, a.SpeedFraction)
}

func TestMerge_RederivesKind(t *testing.T) {
	a := NewAsset("a1")
	mt := "audio/mpeg"
	a.Merge(AssetPatch{ID: "a1", MediaType: &mt})
	assert.Equal(t, KindAudio, a.Kind)

	typ := "SCRIPT"
	a.Merge(AssetPatch{ID: "a1", Type: &typ})
	assert.Equal(t, KindScript, a.Kind)
}

func TestPatchFromAsset_RoundTripsThroughMerge(t *testing.T) {
	src := NewAsset("a1")
	src.Type = "AUDIO"
	src.MediaURL = "https://cdn.test/s.mp3"
	src.Loop = true
	src.DelayMs = 2000
	src.AllowedDomains = []string{"example.com"}

	dst := NewAsset("a1")
	dst.Merge(PatchFromAsset(src))
	src.Kind = KindAudio

	assert.Equal(t, src, dst)
}

func TestBounds(t *testing.T) {
	b := DefaultBounds()
	assert.Equal(t, 1.0, b.ClampVolume(3))
	assert.Equal(t, 0.0, b.ClampVolume(-1))
	assert.InDelta(t, 2.0, b.PlaybackRate(2, 1), 1e-9)
	assert.InDelta(t, 3.0, b.PlaybackRate(1.5, 2), 1e-9)
	assert.Equal(t, b.MinSpeed, b.VideoRate(0))
	assert.Equal(t, 1, b.ClampCanvas(-5))
	assert.Equal(t, b.MaxCanvasSide, b.ClampCanvas(100000))

	b.MinSpeed = 0
	assert.Greater(t, b.VideoRate(0), 0.0)
}
