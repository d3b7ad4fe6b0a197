package devicemodel

import (
	"errors"
	"testing"

	"github.com/nerrad567/iothub-portal/internal/label"
)

func intPtr(i int) *int { return &i }

func TestValidateModel(t *testing.T) {
	tests := []struct {
		name    string
		model   DeviceModel
		wantErr bool
	}{
		{"plain", DeviceModel{Name: "Thermostat"}, false},
		{"missing name", DeviceModel{Name: "  "}, true},
		{"bad id", DeviceModel{ID: "has space", Name: "x"}, true},
		{"lora without settings", DeviceModel{Name: "x", SupportLoRaFeatures: true}, true},
		{"settings without lora", DeviceModel{Name: "x", LoRa: &LoRaSettings{}}, true},
		{"lora defaults", DeviceModel{Name: "x", SupportLoRaFeatures: true, LoRa: &LoRaSettings{}}, false},
		{"bad class", DeviceModel{Name: "x", SupportLoRaFeatures: true, LoRa: &LoRaSettings{ClassType: "D"}}, true},
		{"bad window", DeviceModel{Name: "x", SupportLoRaFeatures: true, LoRa: &LoRaSettings{PreferredWindow: 3}}, true},
		{"bad app eui", DeviceModel{Name: "x", SupportLoRaFeatures: true, LoRa: &LoRaSettings{UseOTAA: true, AppEUI: "xyz"}}, true},
		{"bad rx delay", DeviceModel{Name: "x", SupportLoRaFeatures: true, LoRa: &LoRaSettings{RXDelay: intPtr(16)}}, true},
		{"bad label", DeviceModel{Name: "x", Labels: []label.Label{{Name: "a", Color: "red"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.model
			err := ValidateModel(&m)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateModel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidModel) {
				t.Errorf("error does not wrap ErrInvalidModel: %v", err)
			}
		})
	}

	m := DeviceModel{Name: "x", SupportLoRaFeatures: true, LoRa: &LoRaSettings{}}
	if err := ValidateModel(&m); err != nil {
		t.Fatal(err)
	}
	if m.LoRa.ClassType != ClassA || m.LoRa.Deduplication != DedupDrop || m.LoRa.PreferredWindow != 1 {
		t.Errorf("LoRa defaults not applied: %+v", m.LoRa)
	}
}

func TestValidateProperties(t *testing.T) {
	tests := []struct {
		name    string
		props   []Property
		wantErr bool
	}{
		{"valid", []Property{{Name: "temp", Type: PropertyDouble}, {Name: "cfg.interval", Type: PropertyInteger}}, false},
		{"leading digit", []Property{{Name: "1temp", Type: PropertyDouble}}, true},
		{"duplicate", []Property{{Name: "a", Type: PropertyString}, {Name: "a", Type: PropertyString}}, true},
		{"unknown type", []Property{{Name: "a", Type: "decimal"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateProperties(tt.props); (err != nil) != tt.wantErr {
				t.Errorf("ValidateProperties() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCommands(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"valid", Command{Name: "on", Frame: "01FF", Port: 1}, false},
		{"odd frame", Command{Name: "on", Frame: "01F", Port: 1}, true},
		{"non hex", Command{Name: "on", Frame: "ZZ", Port: 1}, true},
		{"port zero", Command{Name: "on", Frame: "01", Port: 0}, true},
		{"port too high", Command{Name: "on", Frame: "01", Port: 224}, true},
		{"no name", Command{Frame: "01", Port: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateCommands([]Command{tt.cmd}); (err != nil) != tt.wantErr {
				t.Errorf("ValidateCommands() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
