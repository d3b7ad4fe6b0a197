package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mqttMock struct {
	mock.Mock
}

func (m *mqttMock) PublishJSON(topic string, v any) error {
	return m.Called(topic, v).Error(0)
}

func (m *mqttMock) IsConnected() bool {
	return m.Called().Bool(0)
}

func topicFor(kind, id string) string {
	return "portal/events/" + kind + "/" + id
}

func TestMQTTPublisher(t *testing.T) {
	client := new(mqttMock)
	ev := New(DeviceCreated, "device", "d1", nil)

	client.On("IsConnected").Return(true)
	client.On("PublishJSON", "portal/events/device/d1", ev).Return(nil)

	err := NewMQTTPublisher(client, topicFor).Publish(context.Background(), ev)
	assert.NoError(t, err)
	client.AssertExpectations(t)
}

func TestMQTTPublisherDisconnected(t *testing.T) {
	client := new(mqttMock)
	client.On("IsConnected").Return(false)

	err := NewMQTTPublisher(client, topicFor).Publish(context.Background(), New(DeviceDeleted, "device", "d1", nil))
	assert.ErrorIs(t, err, ErrNotConnected)
	client.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything)
}

func TestMulti(t *testing.T) {
	var got []string
	ok := PublisherFunc(func(_ context.Context, ev Event) error {
		got = append(got, ev.Type)
		return nil
	})
	boom := errors.New("boom")
	failing := PublisherFunc(func(context.Context, Event) error { return boom })

	err := Multi{failing, ok, Noop{}}.Publish(context.Background(), New(SyncCompleted, "sync", "devices", nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{SyncCompleted}, got, "later publishers still run after a failure")

	assert.NoError(t, Multi{}.Publish(context.Background(), Event{}))
}

type warnRecorder struct {
	msgs []string
}

func (w *warnRecorder) Warn(msg string, _ ...any) { w.msgs = append(w.msgs, msg) }

func TestEmitterSwallowsErrors(t *testing.T) {
	logger := &warnRecorder{}
	e := NewEmitter(PublisherFunc(func(context.Context, Event) error { return ErrNotConnected }), logger)

	require.NotPanics(t, func() {
		e.Emit(context.Background(), DeviceUpdated, "device", "d1", map[string]string{"name": "x"})
	})
	assert.Len(t, logger.msgs, 1)

	var nilEmitter *Emitter
	assert.NotPanics(t, func() { nilEmitter.Emit(context.Background(), DeviceUpdated, "device", "d1", nil) })

	assert.NotPanics(t, func() {
		NewEmitter(nil, nil).Emit(context.Background(), DeviceUpdated, "device", "d1", nil)
	})
}
