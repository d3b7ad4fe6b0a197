package devicemodel

import (
	"errors"
	"testing"
)

func TestValidateValues(t *testing.T) {
	props := []Property{
		{Name: "setpoint", Type: PropertyDouble, IsWritable: true},
		{Name: "interval", Type: PropertyInteger, IsWritable: true},
		{Name: "enabled", Type: PropertyBoolean, IsWritable: true},
		{Name: "temperature", Type: PropertyDouble},
	}

	tests := []struct {
		name    string
		values  map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"setpoint": 21.5, "interval": 60, "enabled": true}, false},
		{"partial", map[string]any{"interval": 30}, false},
		{"wrong type", map[string]any{"enabled": "yes"}, true},
		{"fraction for integer", map[string]any{"interval": 1.5}, true},
		{"read-only property", map[string]any{"temperature": 20.0}, true},
		{"unknown property", map[string]any{"colour": "red"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateValues(props, tt.values)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateValues() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidValue) {
				t.Errorf("error does not wrap ErrInvalidValue: %v", err)
			}
		})
	}
}

func TestConvertValue(t *testing.T) {
	tests := []struct {
		typ     PropertyType
		raw     string
		want    any
		wantErr bool
	}{
		{PropertyBoolean, "true", true, false},
		{PropertyBoolean, "maybe", nil, true},
		{PropertyInteger, "42", int64(42), false},
		{PropertyInteger, "99999999999", nil, true},
		{PropertyLong, "99999999999", int64(99999999999), false},
		{PropertyDouble, " 1.25 ", 1.25, false},
		{PropertyFloat, "abc", nil, true},
		{PropertyString, "hello", "hello", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.raw, func(t *testing.T) {
			got, err := ConvertValue(tt.typ, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ConvertValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ConvertValue() = %#v, want %#v", got, tt.want)
			}
		})
	}
}
