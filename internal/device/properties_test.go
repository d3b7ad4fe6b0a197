package device

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

func TestDeviceProperties(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.models.SetProperties(ctx, "thermostat", []devicemodel.Property{
		{Name: "setpoint", DisplayName: "Set point", IsWritable: true, Order: 1, Type: devicemodel.PropertyDouble},
		{Name: "temperature", DisplayName: "Temperature", Order: 2, Type: devicemodel.PropertyDouble},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateDevice(ctx, plainDevice("dev-1")); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.SetProperties(ctx, "dev-1", map[string]any{"setpoint": 21.5}); err != nil {
		t.Fatalf("SetProperties() error = %v", err)
	}
	if err := f.svc.SetProperties(ctx, "dev-1", map[string]any{"temperature": 3.0}); err == nil {
		t.Error("SetProperties() accepted a read-only property")
	}
	f.hub.SetReported("dev-1", map[string]any{"temperature": 19.25})

	props, err := f.svc.GetProperties(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetProperties() error = %v", err)
	}
	values := map[string]any{}
	for _, p := range props {
		values[p.Name] = p.Value
	}
	if values["setpoint"] != 21.5 {
		t.Errorf("setpoint = %v, want 21.5", values["setpoint"])
	}
	if values["temperature"] != 19.25 {
		t.Errorf("temperature = %v, want 19.25", values["temperature"])
	}

	if _, err := f.svc.GetProperties(ctx, "ghost"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetProperties(ghost) error = %v", err)
	}
}

func TestGetCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.CreateDevice(ctx, plainDevice("dev-1")); err != nil {
		t.Fatal(err)
	}
	creds, err := f.svc.GetCredentials(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetCredentials() error = %v", err)
	}
	want, err := iothub.DeriveDeviceKey(testGroupKey, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if creds.SymmetricKey != want {
		t.Errorf("SymmetricKey = %q, want %q", creds.SymmetricKey, want)
	}
	if creds.RegistrationID != "dev-1" || creds.ScopeID != "0ne000AAAAA" {
		t.Errorf("credentials = %+v", creds)
	}

	if _, err := f.svc.GetCredentials(ctx, "ghost"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetCredentials(ghost) error = %v", err)
	}
}

func TestDeriveCredentialsWithoutGroupKey(t *testing.T) {
	if _, err := DeriveCredentials("", "scope", "endpoint", "dev-1"); !errors.Is(err, ErrProvisioningDisabled) {
		t.Errorf("error = %v, want ErrProvisioningDisabled", err)
	}
}
