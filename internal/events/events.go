// Package events fans portal change notifications out to MQTT, AMQP and
// WebSocket subscribers. Delivery is best effort: a failed publish is
// logged by the caller and never fails the operation that caused it.
package events

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	DeviceCreated        = "device.created"
	DeviceUpdated        = "device.updated"
	DeviceDeleted        = "device.deleted"
	EdgeDeviceCreated    = "edge_device.created"
	EdgeDeviceUpdated    = "edge_device.updated"
	EdgeDeviceDeleted    = "edge_device.deleted"
	ConcentratorCreated  = "concentrator.created"
	ConcentratorUpdated  = "concentrator.updated"
	ConcentratorDeleted  = "concentrator.deleted"
	ModelCreated         = "model.created"
	ModelUpdated         = "model.updated"
	ModelDeleted         = "model.deleted"
	EdgeModelCreated     = "edge_model.created"
	EdgeModelUpdated     = "edge_model.updated"
	EdgeModelDeleted     = "edge_model.deleted"
	ConfigurationChanged = "configuration.changed"
	ConfigurationDeleted = "configuration.deleted"
	CommandSent          = "lorawan.command_sent"
	TelemetryReceived    = "lorawan.telemetry"
	SyncCompleted        = "sync.completed"
	JournalRecorded      = "journal.recorded"
)

// ErrNotConnected is returned by publishers whose transport is down.
var ErrNotConnected = errors.New("events: publisher not connected")

// Event is a change notification.
type Event struct {
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// New stamps an event with the current time.
func New(typ, kind, id string, payload any) Event {
	return Event{Type: typ, EntityKind: kind, EntityID: id, Payload: payload, Timestamp: time.Now().UTC()}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish implements Publisher. Every publisher is tried even when an
// earlier one fails.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logger is the logging interface used by Emitter.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Emitter wraps a Publisher for domain services: failures are logged and
// swallowed.
type Emitter struct {
	pub    Publisher
	logger Logger
}

// NewEmitter wraps pub. A nil pub discards events.
func NewEmitter(pub Publisher, logger Logger) *Emitter {
	if pub == nil {
		pub = Noop{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Emitter{pub: pub, logger: logger}
}

// Emit publishes an event, logging any failure.
func (e *Emitter) Emit(ctx context.Context, typ, kind, id string, payload any) {
	if e == nil {
		return
	}
	ev := New(typ, kind, id, payload)
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.logger.Warn("publishing event failed", "type", typ, "entity", id, "error", err)
	}
}
