package version

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetFillsEveryField(t *testing.T) {
	info := Get()

	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.BuildTime)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}

func TestFromSettingsUsesVCSStamp(t *testing.T) {
	base := Info{Version: "dev", Commit: "unknown", BuildTime: "unknown"}

	got := fromSettings(base, []debug.BuildSetting{
		{Key: "vcs.revision", Value: "3f2a9c1d0e5b"},
		{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		{Key: "vcs.modified", Value: "true"},
	})

	assert.Equal(t, "3f2a9c1d0e5b", got.Commit)
	assert.Equal(t, "2026-01-02T03:04:05Z", got.BuildTime)
	assert.True(t, got.Modified)
}

func TestFromSettingsKeepsLinkerValues(t *testing.T) {
	base := Info{Version: "v1.2.0", Commit: "abc", BuildTime: "yesterday"}

	got := fromSettings(base, []debug.BuildSetting{
		{Key: "vcs.revision", Value: "ffff"},
		{Key: "vcs.time", Value: "today"},
	})

	assert.Equal(t, "abc", got.Commit)
	assert.Equal(t, "yesterday", got.BuildTime)
	assert.False(t, got.Modified)
}

func TestString(t *testing.T) {
	assert.Equal(t, "dev (3f2a9c1d, dirty)", Info{Version: "dev", Commit: "3f2a9c1d0e5b", Modified: true}.String())
	assert.Equal(t, "v1.2.0 (abc)", Info{Version: "v1.2.0", Commit: "abc"}.String())
}
