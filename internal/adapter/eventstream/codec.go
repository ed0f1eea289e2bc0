// Package eventstream connects the surface to its inbound event stream: a
// websocket push channel of JSON events plus the one-shot bulk asset fetch.
package eventstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/imgfloat/server-sub000/internal/domain"
)

var ErrMalformedEvent = errors.New("malformed event")

type wireEvent struct {
	Type      string               `json:"type"`
	AssetID   string               `json:"assetId"`
	Payload   json.RawMessage      `json:"payload"`
	Patch     *domain.AssetPatch   `json:"patch"`
	Play      *bool                `json:"play"`
	Hidden    *bool                `json:"hidden"`
	Placement string               `json:"placement"`
	Messages  []domain.ChatMessage `json:"messages"`
	Emotes    []domain.Emote       `json:"emotes"`
}

type canvasPayload struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Decode turns one JSON message into a domain event. Errors wrap
// ErrMalformedEvent.
func Decode(data []byte) (domain.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch strings.ToUpper(strings.TrimSpace(w.Type)) {
	case "CANVAS":
		var c canvasPayload
		if err := unmarshalPayload(w.Payload, &c); err != nil {
			return nil, err
		}
		return domain.CanvasResize{Width: c.Width, Height: c.Height}, nil

	case "DELETED":
		id := w.AssetID
		if id == "" {
			if p, ok, _ := w.asset(); ok {
				id = p.ID
			}
		}
		if id == "" {
			return nil, fmt.Errorf("%w: delete without asset id", ErrMalformedEvent)
		}
		return domain.Deleted{AssetID: id}, nil

	case "CHAT":
		msgs := w.Messages
		if msgs == nil && len(w.Payload) > 0 {
			var body struct {
				Messages []domain.ChatMessage `json:"messages"`
			}
			if err := unmarshalPayload(w.Payload, &body); err != nil {
				return nil, err
			}
			msgs = body.Messages
		}
		return domain.ChatSnapshot{Messages: msgs}, nil

	case "EMOTES":
		emotes := w.Emotes
		if emotes == nil && len(w.Payload) > 0 {
			var body struct {
				Emotes []domain.Emote `json:"emotes"`
			}
			if err := unmarshalPayload(w.Payload, &body); err != nil {
				return nil, err
			}
			emotes = body.Emotes
		}
		return domain.EmoteCatalog{Emotes: emotes}, nil

	case "VISIBILITY":
		p, err := w.requireAsset()
		if err != nil {
			return nil, err
		}
		hidden := w.Hidden
		if hidden == nil {
			hidden = p.Hidden
		}
		if hidden == nil {
			return nil, fmt.Errorf("%w: visibility without hidden flag", ErrMalformedEvent)
		}
		return domain.Visibility{Asset: p, Hidden: *hidden}, nil

	case "PLAY":
		p, err := w.requireAsset()
		if err != nil {
			return nil, err
		}
		if w.Play == nil {
			return nil, fmt.Errorf("%w: play without play flag", ErrMalformedEvent)
		}
		return domain.Play{Asset: p, Play: *w.Play}, nil
	}

	if w.Patch != nil {
		if w.Patch.ID == "" {
			return nil, fmt.Errorf("%w: patch without id", ErrMalformedEvent)
		}
		return domain.Patch{Patch: *w.Patch}, nil
	}
	p, ok, err := w.asset()
	if err != nil {
		return nil, err
	}
	if !ok || p.ID == "" {
		return nil, fmt.Errorf("%w: %q carries neither patch nor payload", ErrMalformedEvent, w.Type)
	}
	prepend := strings.EqualFold(w.Placement, "top") || strings.EqualFold(w.Placement, "prepend")
	return domain.FullPayload{Asset: p, Prepend: prepend}, nil
}

// asset returns the patch or, failing that, the payload as an asset record.
func (w wireEvent) asset() (domain.AssetPatch, bool, error) {
	if w.Patch != nil {
		return *w.Patch, true, nil
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return domain.AssetPatch{}, false, nil
	}
	var p domain.AssetPatch
	if err := unmarshalPayload(w.Payload, &p); err != nil {
		return domain.AssetPatch{}, false, err
	}
	return p, true, nil
}

func (w wireEvent) requireAsset() (domain.AssetPatch, error) {
	p, ok, err := w.asset()
	if err != nil {
		return domain.AssetPatch{}, err
	}
	if !ok || p.ID == "" {
		return domain.AssetPatch{}, fmt.Errorf("%w: %s without asset", ErrMalformedEvent, strings.ToLower(w.Type))
	}
	return p, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
