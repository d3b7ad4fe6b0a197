package lorawan

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/database/databasetest"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/influxdb"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/mqtt"
)

type seriesMock struct {
	mock.Mock
}

func (m *seriesMock) WriteTelemetry(deviceID string, fcnt uint32, fields map[string]any, at time.Time) int {
	return m.Called(deviceID, fcnt, fields, at).Int(0)
}

func (m *seriesMock) QueryTelemetry(ctx context.Context, deviceID string, lookback time.Duration) ([]influxdb.TelemetryPoint, error) {
	args := m.Called(deviceID, lookback)
	points, _ := args.Get(0).([]influxdb.TelemetryPoint)
	return points, args.Error(1)
}

type subscriberMock struct {
	mock.Mock
}

func (m *subscriberMock) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	return m.Called(topic, qos, mock.Anything).Error(0)
}

func (m *subscriberMock) Unsubscribe(topic string) error {
	return m.Called(topic).Error(0)
}

func (m *subscriberMock) QoS() byte { return 1 }

func newIngestor(t *testing.T, history int) *TelemetryIngestor {
	t.Helper()
	db := databasetest.Open(t)
	return NewTelemetryIngestor(NewSQLiteRepository(db.DB), NewDeduplicator(100, 0.01, 90), mqtt.Topics{}, history, events.NewEmitter(nil, nil))
}

func uplinkJSON(at time.Time, fcnt int, temp float64) []byte {
	return []byte(fmt.Sprintf(`{"time":%q,"fcnt":%d,"fport":1,"data":{"temperature":%v,"battery":97}}`,
		at.Format(time.RFC3339Nano), fcnt, temp))
}

func TestIngestStoresAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	ing := newIngestor(t, 10)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stored, err := ing.Ingest(ctx, "dev-1", uplinkJSON(at, 7, 21.5))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = ing.Ingest(ctx, "dev-1", uplinkJSON(at, 7, 21.5))
	require.NoError(t, err)
	assert.False(t, stored, "same time and fcnt is a duplicate")

	stored, err = ing.Ingest(ctx, "dev-2", uplinkJSON(at, 7, 19))
	require.NoError(t, err)
	assert.True(t, stored, "filters are per device")

	got, err := ing.GetTelemetry(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(7), got[0].FCnt)
	assert.Equal(t, 21.5, got[0].Data["temperature"])
	assert.True(t, got[0].EnqueuedAt.Equal(at))
}

// lockedRepo fails inserts until unlocked.
type lockedRepo struct {
	TelemetryRepository
	locked bool
}

func (r *lockedRepo) Insert(ctx context.Context, rec *Telemetry, keep int) error {
	if r.locked {
		return errors.New("database is locked")
	}
	return r.TelemetryRepository.Insert(ctx, rec, keep)
}

func TestIngestRetriesAfterFailedInsert(t *testing.T) {
	ctx := context.Background()
	db := databasetest.Open(t)
	repo := &lockedRepo{TelemetryRepository: NewSQLiteRepository(db.DB), locked: true}
	ing := NewTelemetryIngestor(repo, NewDeduplicator(100, 0.01, 90), mqtt.Topics{}, 10, events.NewEmitter(nil, nil))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := ing.Ingest(ctx, "dev-1", uplinkJSON(at, 7, 21.5))
	require.Error(t, err)

	repo.locked = false
	stored, err := ing.Ingest(ctx, "dev-1", uplinkJSON(at, 7, 21.5))
	require.NoError(t, err)
	assert.True(t, stored, "redelivery of an unstored uplink is not a duplicate")

	got, err := ing.GetTelemetry(ctx, "dev-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestIngestKeepsNewestMessages(t *testing.T) {
	ctx := context.Background()
	ing := newIngestor(t, 3)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := ing.Ingest(ctx, "dev-1", uplinkJSON(base.Add(time.Duration(i)*time.Minute), i, float64(i)))
		require.NoError(t, err)
	}

	got, err := ing.GetTelemetry(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []uint32{4, 3, 2}, []uint32{got[0].FCnt, got[1].FCnt, got[2].FCnt})
}

func TestIngestWritesTimeSeries(t *testing.T) {
	ctx := context.Background()
	ing := newIngestor(t, 10)
	series := new(seriesMock)
	ing.SetTimeSeries(series)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	series.On("WriteTelemetry", "dev-1", uint32(3), mock.MatchedBy(func(f map[string]any) bool {
		return f["temperature"] == 20.25 && f["battery"] == int64(97)
	}), mock.MatchedBy(at.Equal)).Return(2)

	_, err := ing.Ingest(ctx, "dev-1", uplinkJSON(at, 3, 20.25))
	require.NoError(t, err)
	series.AssertExpectations(t)
}

func TestIngestRejectsInvalid(t *testing.T) {
	ing := newIngestor(t, 10)

	_, err := ing.Ingest(context.Background(), "dev-1", []byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidTelemetry)

	_, err = ing.Ingest(context.Background(), "dev-1", []byte(`{"time":"yesterday"}`))
	assert.ErrorIs(t, err, ErrInvalidTelemetry)

	err = ing.Handle("portal/lorawan/dev-1/downlink", []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidTelemetry)
}

func TestHandleRoutesByTopic(t *testing.T) {
	ing := newIngestor(t, 10)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, ing.Handle("portal/lorawan/dev-9/telemetry", uplinkJSON(at, 1, 5)))

	got, err := ing.GetTelemetry(context.Background(), "dev-9")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStartStop(t *testing.T) {
	ing := newIngestor(t, 10)
	sub := new(subscriberMock)
	sub.On("Subscribe", "portal/lorawan/+/telemetry", byte(1), mock.Anything).Return(nil)
	sub.On("Unsubscribe", "portal/lorawan/+/telemetry").Return(nil)

	require.NoError(t, ing.Start(sub))
	require.NoError(t, ing.Stop())
	require.NoError(t, ing.Stop(), "second stop is a no-op")
	sub.AssertNumberOfCalls(t, "Unsubscribe", 1)
}

func TestTelemetryHistory(t *testing.T) {
	ctx := context.Background()
	ing := newIngestor(t, 10)

	_, err := ing.TelemetryHistory(ctx, "dev-1", time.Hour)
	assert.ErrorIs(t, err, ErrHistoryDisabled)

	series := new(seriesMock)
	points := []influxdb.TelemetryPoint{{Field: "temperature", Value: 21.0}}
	series.On("QueryTelemetry", "dev-1", time.Hour).Return(points, nil)
	ing.SetTimeSeries(series)

	got, err := ing.TelemetryHistory(ctx, "dev-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, points, got)
}

func TestForgetClearsTelemetry(t *testing.T) {
	ctx := context.Background()
	ing := newIngestor(t, 10)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := ing.Ingest(ctx, "dev-1", uplinkJSON(at, 1, 5))
	require.NoError(t, err)
	require.NoError(t, ing.Forget(ctx, "dev-1"))

	got, err := ing.GetTelemetry(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	stored, err := ing.Ingest(ctx, "dev-1", uplinkJSON(at, 1, 5))
	require.NoError(t, err)
	assert.True(t, stored, "dedup state is dropped with the device")
}
