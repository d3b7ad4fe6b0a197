package lorawan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/influxdb"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/mqtt"
)

// Telemetry is one decoded uplink as stored by the portal.
type Telemetry struct {
	ID         int64          `json:"id"`
	DeviceID   string         `json:"device_id"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	FCnt       uint32         `json:"fcnt"`
	Data       map[string]any `json:"data"`
}

// uplink is the message the network server publishes per decoded uplink.
type uplink struct {
	Time       string         `json:"time"`
	FCnt       uint32         `json:"fcnt"`
	FPort      int            `json:"fport"`
	RawPayload string         `json:"raw_payload"`
	Data       map[string]any `json:"data"`
}

// Subscriber receives MQTT messages. *mqtt.Client implements it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	QoS() byte
}

// PointWriter stores telemetry fields as time series points.
// *influxdb.Client implements it.
type PointWriter interface {
	WriteTelemetry(deviceID string, fcnt uint32, fields map[string]any, at time.Time) int
}

// HistoryReader reads telemetry points back. *influxdb.Client implements it.
type HistoryReader interface {
	QueryTelemetry(ctx context.Context, deviceID string, lookback time.Duration) ([]influxdb.TelemetryPoint, error)
}

// TimeSeries is both sides of the telemetry history store.
type TimeSeries interface {
	PointWriter
	HistoryReader
}

// TelemetryIngestor stores uplinks received from the network server.
type TelemetryIngestor struct {
	repo    TelemetryRepository
	dedup   *Deduplicator
	topics  mqtt.Topics
	history int
	events  *events.Emitter
	logger  Logger
	now     func() time.Time

	mu     sync.Mutex
	series TimeSeries
	sub    Subscriber
}

// NewTelemetryIngestor creates an ingestor keeping history messages per
// device.
func NewTelemetryIngestor(repo TelemetryRepository, dedup *Deduplicator, topics mqtt.Topics, history int, em *events.Emitter) *TelemetryIngestor {
	if history <= 0 {
		history = DefaultTelemetryHistory
	}
	if dedup == nil {
		dedup = NewDeduplicator(0, 0, 0)
	}
	return &TelemetryIngestor{
		repo:    repo,
		dedup:   dedup,
		topics:  topics,
		history: history,
		events:  em,
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger.
func (t *TelemetryIngestor) SetLogger(logger Logger) {
	t.logger = logger
}

// SetTimeSeries enables writing to and reading from the history store.
func (t *TelemetryIngestor) SetTimeSeries(series TimeSeries) {
	t.mu.Lock()
	t.series = series
	t.mu.Unlock()
}

// Start subscribes to every device's telemetry topic.
func (t *TelemetryIngestor) Start(sub Subscriber) error {
	topic := t.topics.AllLoRaWANTelemetry()
	if err := sub.Subscribe(topic, sub.QoS(), t.Handle); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	t.logger.Info("lorawan telemetry ingestion started", "topic", topic)
	return nil
}

// Stop removes the subscription made by Start.
func (t *TelemetryIngestor) Stop() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe(t.topics.AllLoRaWANTelemetry())
}

// Handle ingests one telemetry message. It is the MQTT handler installed
// by Start.
func (t *TelemetryIngestor) Handle(topic string, payload []byte) error {
	deviceID, ok := t.topics.DeviceIDFromTelemetry(topic)
	if !ok {
		return fmt.Errorf("%w: unexpected topic %q", ErrInvalidTelemetry, topic)
	}
	_, err := t.Ingest(context.Background(), deviceID, payload)
	return err
}

// Ingest decodes and stores one uplink. stored is false for duplicates.
// An uplink only counts as seen once it is stored, so a redelivery after a
// failed insert is ingested again.
func (t *TelemetryIngestor) Ingest(ctx context.Context, deviceID string, payload []byte) (stored bool, err error) {
	var msg uplink
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidTelemetry, err)
	}

	at := t.now().UTC()
	if msg.Time != "" {
		parsed, err := time.Parse(time.RFC3339Nano, msg.Time)
		if err != nil {
			return false, fmt.Errorf("%w: time %q", ErrInvalidTelemetry, msg.Time)
		}
		at = parsed.UTC()
	}

	key := at.Format(time.RFC3339Nano)
	if t.dedup.Seen(deviceID, key, msg.FCnt) {
		t.logger.Debug("duplicate uplink dropped", "device", deviceID, "fcnt", msg.FCnt)
		return false, nil
	}

	rec := &Telemetry{
		DeviceID:   deviceID,
		EnqueuedAt: at,
		FCnt:       msg.FCnt,
		Data:       normalize(msg.Data),
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	if msg.RawPayload != "" {
		rec.Data["raw_payload"] = msg.RawPayload
	}
	if err := t.repo.Insert(ctx, rec, t.history); err != nil {
		return false, err
	}
	t.dedup.Add(deviceID, key, msg.FCnt)

	if series := t.timeSeries(); series != nil {
		series.WriteTelemetry(deviceID, msg.FCnt, rec.Data, at)
	}
	t.events.Emit(ctx, events.TelemetryReceived, "lorawan_device", deviceID, rec)
	return true, nil
}

// GetTelemetry returns the stored uplinks of a device, newest first.
func (t *TelemetryIngestor) GetTelemetry(ctx context.Context, deviceID string) ([]Telemetry, error) {
	return t.repo.List(ctx, deviceID, t.history)
}

// TelemetryHistory returns the device's telemetry points recorded within
// lookback from the history store.
func (t *TelemetryIngestor) TelemetryHistory(ctx context.Context, deviceID string, lookback time.Duration) ([]influxdb.TelemetryPoint, error) {
	series := t.timeSeries()
	if series == nil {
		return nil, ErrHistoryDisabled
	}
	return series.QueryTelemetry(ctx, deviceID, lookback)
}

// Forget drops the stored telemetry and dedup state of a deleted device.
func (t *TelemetryIngestor) Forget(ctx context.Context, deviceID string) error {
	t.dedup.Forget(deviceID)
	return t.repo.DeleteDevice(ctx, deviceID)
}

func (t *TelemetryIngestor) timeSeries() TimeSeries {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.series
}

// normalize converts json.Number values to int64 or float64.
func normalize(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		return normalize(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeValue(x[i])
		}
		return out
	}
	return v
}
