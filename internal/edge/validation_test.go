package edge

import (
	"errors"
	"testing"

	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/label"
)

func TestValidateModel(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EdgeModel)
		want   error
	}{
		{"valid", func(*EdgeModel) {}, nil},
		{"blank name", func(m *EdgeModel) { m.Name = " " }, ErrInvalidModel},
		{"module name with space", func(m *EdgeModel) { m.Modules[0].Name = "opc publisher" }, ErrInvalidModel},
		{"duplicate module", func(m *EdgeModel) { m.Modules[1].Name = "OPCPublisher" }, ErrInvalidModel},
		{"no image", func(m *EdgeModel) { m.Modules[1].ImageURI = "" }, ErrInvalidModel},
		{"create options not json", func(m *EdgeModel) { m.Modules[0].ContainerCreateOptions = "{Hostname" }, ErrInvalidModel},
		{"create options array", func(m *EdgeModel) { m.Modules[0].ContainerCreateOptions = "[]" }, ErrInvalidModel},
		{"bad env name", func(m *EdgeModel) { m.Modules[0].Env = map[string]string{"1X": "y"} }, ErrInvalidModel},
		{"duplicate command", func(m *EdgeModel) {
			m.Modules[0].Commands = []ModuleCommand{{Name: "Reset"}, {Name: "Reset"}}
		}, ErrInvalidModel},
		{"unknown system module", func(m *EdgeModel) {
			m.SystemModules = []SystemModule{{Name: "edgeProxy"}}
		}, ErrInvalidModel},
		{"system module override", func(m *EdgeModel) {
			m.SystemModules = []SystemModule{{Name: "edgeAgent", ImageURI: "agent:2"}}
		}, nil},
		{"route without FROM", func(m *EdgeModel) { m.Routes[0].Value = "SELECT *" }, ErrInvalidModel},
		{"route priority", func(m *EdgeModel) { m.Routes[1].Priority = intPtr(10) }, ErrInvalidModel},
		{"duplicate route", func(m *EdgeModel) { m.Routes[1].Name = m.Routes[0].Name }, ErrInvalidModel},
		{"bad label", func(m *EdgeModel) { m.Labels = []label.Label{{Name: "x", Color: "red"}} }, ErrInvalidModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := gatewayModel()
			tt.mutate(m)
			if err := ValidateModel(m); !errors.Is(err, tt.want) {
				t.Fatalf("ValidateModel() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateDevice(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EdgeDevice)
		want   error
	}{
		{"valid", func(*EdgeDevice) {}, nil},
		{"empty id", func(d *EdgeDevice) { d.ID = "" }, ErrInvalidDevice},
		{"blank name", func(d *EdgeDevice) { d.Name = "\t" }, ErrInvalidDevice},
		{"no model", func(d *EdgeDevice) { d.ModelID = "" }, ErrInvalidDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := edgeDevice("edge-01")
			tt.mutate(d)
			if err := ValidateDevice(d); !errors.Is(err, tt.want) {
				t.Fatalf("ValidateDevice() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateTags(t *testing.T) {
	defined := map[string]devicetag.DeviceTag{
		"site":  {Name: "site", Required: true},
		"floor": {Name: "floor"},
	}
	if err := ValidateTags(map[string]string{"site": "a", "floor": "2"}, defined); err != nil {
		t.Errorf("ValidateTags() error = %v", err)
	}
	if err := ValidateTags(map[string]string{"site": "a", "owner": "b"}, defined); !errors.Is(err, ErrInvalidTag) {
		t.Errorf("undefined tag error = %v, want ErrInvalidTag", err)
	}
	if err := ValidateTags(map[string]string{"floor": "2"}, defined); !errors.Is(err, ErrInvalidTag) {
		t.Errorf("missing required tag error = %v, want ErrInvalidTag", err)
	}
}
