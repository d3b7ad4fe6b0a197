package events

import (
	"context"
	"fmt"
)

// JSONPublisher is the MQTT client capability MQTTPublisher needs.
type JSONPublisher interface {
	PublishJSON(topic string, v any) error
	IsConnected() bool
}

// TopicFunc maps an event to its MQTT topic.
type TopicFunc func(kind, id string) string

// MQTTPublisher publishes events as JSON to portal/events/{kind}/{id}.
type MQTTPublisher struct {
	client JSONPublisher
	topic  TopicFunc
}

// NewMQTTPublisher creates an MQTT event publisher.
func NewMQTTPublisher(client JSONPublisher, topic TopicFunc) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic}
}

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(_ context.Context, ev Event) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	if err := p.client.PublishJSON(p.topic(ev.EntityKind, ev.EntityID), ev); err != nil {
		return fmt.Errorf("publishing %s over mqtt: %w", ev.Type, err)
	}
	return nil
}
