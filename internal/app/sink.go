package app

import (
	"image"
	"log/slog"

	"github.com/imgfloat/server-sub000/internal/domain"
	"github.com/imgfloat/server-sub000/internal/sandbox"
)

// scriptSink receives sandbox output on the sandbox goroutine. It never
// blocks on the surface actor: frames go straight into the mutex-guarded
// script layer followed by a coalesced redraw request.
type scriptSink struct {
	s *Surface
}

// ScriptSink returns the sandbox.Sink that feeds this surface.
func (s *Surface) ScriptSink() sandbox.Sink {
	return scriptSink{s: s}
}

func (k scriptSink) ScriptFrame(id string, frame *image.RGBA) {
	if frame == nil {
		k.s.layer.Drop(id)
	} else {
		k.s.layer.Set(id, frame)
	}
	k.s.RequestRedraw()
}

func (k scriptSink) ScriptError(report domain.ScriptError) {
	k.s.errors.Add(report)
	if k.s.cfg.Notifier == nil {
		return
	}
	if err := k.s.cfg.Notifier.PublishScriptError(k.s.ctx, report); err != nil {
		slog.Debug("Script error notification failed", "script_id", report.ScriptID, "error", err)
	}
}

func (k scriptSink) AudioTrigger(trigger domain.AudioTrigger) {
	volume := k.s.cfg.Bounds.ClampVolume(trigger.Volume)
	if err := k.s.cfg.Audio.PlayOneShot(trigger.URL, volume); err != nil {
		slog.Warn("Script audio trigger failed", "script_id", trigger.ScriptID, "url", trigger.URL, "error", err)
	}
	if k.s.cfg.Notifier == nil {
		return
	}
	trigger.Volume = volume
	if err := k.s.cfg.Notifier.PublishAudioTrigger(k.s.ctx, trigger); err != nil {
		slog.Debug("Audio trigger notification failed", "script_id", trigger.ScriptID, "error", err)
	}
}
