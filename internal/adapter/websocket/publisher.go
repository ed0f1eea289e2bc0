package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/centrifugal/centrifuge"
	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
	"github.com/imgfloat/server-sub000/internal/domain"
)

const (
	messageScriptError  = "scriptError"
	messageAudioTrigger = "audioTrigger"
	messageFrame        = "frame"
)

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Publisher fans surface activity out to preview clients. Frame notices are
// skipped while nobody is watching.
type Publisher struct {
	node    *centrifuge.Node
	channel string
	metrics *metrics.PreviewMetrics
}

var _ domain.Notifier = (*Publisher)(nil)

func NewPublisher(node *centrifuge.Node, channel string, m *metrics.PreviewMetrics) *Publisher {
	return &Publisher{node: node, channel: channel, metrics: m}
}

func (p *Publisher) PublishScriptError(_ context.Context, report domain.ScriptError) error {
	return p.publish(messageScriptError, report)
}

func (p *Publisher) PublishAudioTrigger(_ context.Context, trigger domain.AudioTrigger) error {
	return p.publish(messageAudioTrigger, trigger)
}

func (p *Publisher) PublishFrame(_ context.Context, info domain.FrameInfo) error {
	if Viewers(p.node, p.channel) == 0 {
		if p.metrics != nil {
			p.metrics.Skipped.WithLabelValues(messageFrame).Inc()
		}
		return nil
	}
	return p.publish(messageFrame, info)
}

func (p *Publisher) publish(kind string, data any) error {
	payload, err := json.Marshal(envelope{Type: kind, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", kind, err)
	}

	channel := PreviewChannel(p.channel)
	if _, err := p.node.Publish(channel, payload); err != nil {
		return fmt.Errorf("publish to channel %s: %w", channel, err)
	}

	if p.metrics != nil {
		p.metrics.Published.WithLabelValues(kind).Inc()
	}
	return nil
}
