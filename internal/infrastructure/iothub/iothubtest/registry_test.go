package iothubtest

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	r := New()

	if _, err := r.CreateDevice(ctx, "sensor-01", iothub.CreateOptions{}); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if _, err := r.CreateDevice(ctx, "sensor-01", iothub.CreateOptions{}); !errors.Is(err, iothub.ErrConflict) {
		t.Errorf("duplicate CreateDevice() error = %v, want ErrConflict", err)
	}

	twin, err := r.GetTwin(ctx, "sensor-01")
	if err != nil {
		t.Fatalf("GetTwin() error = %v", err)
	}
	patch := iothub.NewTwinPatch().SetTag(iothub.TagDeviceName, "Boiler")
	updated, err := r.UpdateTwin(ctx, "sensor-01", *patch, twin.ETag)
	if err != nil {
		t.Fatalf("UpdateTwin() error = %v", err)
	}
	if updated.Version != twin.Version+1 || updated.Tag(iothub.TagDeviceName) != "Boiler" {
		t.Errorf("updated twin = %+v", updated)
	}

	if _, err := r.UpdateTwin(ctx, "sensor-01", *patch, twin.ETag); !errors.Is(err, iothub.ErrPreconditionFailed) {
		t.Errorf("stale UpdateTwin() error = %v, want ErrPreconditionFailed", err)
	}

	if err := r.DeleteDevice(ctx, "sensor-01"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if _, err := r.GetTwin(ctx, "sensor-01"); !errors.Is(err, iothub.ErrNotFound) {
		t.Errorf("GetTwin() after delete error = %v, want ErrNotFound", err)
	}
}

func TestRegistryFailureInjection(t *testing.T) {
	ctx := context.Background()
	r := New()
	boom := errors.New("boom")

	r.FailNext(OpCreateDevice, boom)
	if _, err := r.CreateDevice(ctx, "a", iothub.CreateOptions{}); !errors.Is(err, boom) {
		t.Errorf("first call error = %v, want boom", err)
	}
	if _, err := r.CreateDevice(ctx, "a", iothub.CreateOptions{}); err != nil {
		t.Errorf("second call error = %v", err)
	}
	if r.Calls(OpCreateDevice) != 2 {
		t.Errorf("Calls() = %d, want 2", r.Calls(OpCreateDevice))
	}

	r.FailAlways(OpGetTwin, boom)
	for n := 0; n < 3; n++ {
		if _, err := r.GetTwin(ctx, "a"); !errors.Is(err, boom) {
			t.Fatalf("GetTwin() error = %v, want boom", err)
		}
	}
	r.FailAlways(OpGetTwin, nil)
	if _, err := r.GetTwin(ctx, "a"); err != nil {
		t.Errorf("GetTwin() after clear error = %v", err)
	}
}

func TestRegistryQueryPaging(t *testing.T) {
	r := New()
	for _, id := range []string{"d1", "d2", "d3"} {
		r.SeedTwin(iothub.Twin{DeviceID: id})
	}
	r.SeedTwin(iothub.Twin{DeviceID: "gw", Capabilities: &iothub.Capabilities{IoTEdge: true}})

	var got []string
	err := iothub.QueryAll(context.Background(), r, iothub.TwinQuery{Kind: iothub.KindDevice}, 2, func(t iothub.Twin) error {
		got = append(got, t.DeviceID)
		return nil
	})
	if err != nil {
		t.Fatalf("QueryAll() error = %v", err)
	}
	if len(got) != 3 || got[0] != "d1" || got[2] != "d3" {
		t.Errorf("ids = %v", got)
	}
	if r.Calls(OpQueryTwins) != 2 {
		t.Errorf("QueryTwins calls = %d, want 2", r.Calls(OpQueryTwins))
	}
}

func TestRegistryConfigurationContentImmutable(t *testing.T) {
	ctx := context.Background()
	r := New()
	cfg := iothub.Configuration{
		ID:      "model-m1-1",
		Content: iothub.ConfigurationContent{DeviceContent: map[string]any{"properties.desired.a": 1}},
	}
	created, err := r.CreateConfiguration(ctx, cfg)
	if err != nil {
		t.Fatalf("CreateConfiguration() error = %v", err)
	}

	created.Priority = 5
	if _, err := r.UpdateConfiguration(ctx, *created); err != nil {
		t.Errorf("priority update error = %v", err)
	}

	cfg.Content.DeviceContent["properties.desired.a"] = 2
	if _, err := r.UpdateConfiguration(ctx, cfg); !errors.Is(err, iothub.ErrBadRequest) {
		t.Errorf("content update error = %v, want ErrBadRequest", err)
	}
}
