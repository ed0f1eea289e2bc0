package domain

import (
	"context"
	"time"
)

// Stage names the script lifecycle step an error was raised in.
type Stage string

const (
	StageInitialize Stage = "initialize"
	StageInit       Stage = "init"
	StageTick       Stage = "tick"
	StageFetch      Stage = "fetch"
	StageImport     Stage = "import"
	StageAudio      Stage = "audio"
)

// ScriptError is a deduplicated failure report from the script sandbox.
type ScriptError struct {
	ScriptID string    `json:"scriptId"`
	Stage    Stage     `json:"stage"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// AudioTrigger asks the host to play a one-shot sound on behalf of a script.
type AudioTrigger struct {
	ScriptID string  `json:"scriptId"`
	URL      string  `json:"url"`
	Volume   float64 `json:"volume"`
}

// EventHandler consumes decoded events in stream order.
type EventHandler func(ctx context.Context, ev Event)

// EventSource delivers the surface's ordered event stream until ctx ends.
type EventSource interface {
	Run(ctx context.Context, handle EventHandler) error
}

// AssetSource returns the full asset list used to bootstrap the registry.
type AssetSource interface {
	FetchAssets(ctx context.Context) ([]AssetPatch, error)
}

// Notifier fans surface activity out to preview clients.
type Notifier interface {
	PublishScriptError(ctx context.Context, report ScriptError) error
	PublishAudioTrigger(ctx context.Context, trigger AudioTrigger) error
	PublishFrame(ctx context.Context, info FrameInfo) error
}

// FrameInfo describes a composited frame without its pixels.
type FrameInfo struct {
	Seq      uint64    `json:"seq"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Assets   int       `json:"assets"`
	Scripts  int       `json:"scripts"`
	Rendered time.Time `json:"renderedAt"`
}
