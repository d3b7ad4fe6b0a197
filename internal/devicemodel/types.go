package devicemodel

import (
	"time"

	"github.com/nerrad567/iothub-portal/internal/label"
)

// PropertyType is the JSON type of a model property.
type PropertyType string

// Property types.
const (
	PropertyBoolean PropertyType = "boolean"
	PropertyDouble  PropertyType = "double"
	PropertyFloat   PropertyType = "float"
	PropertyInteger PropertyType = "integer"
	PropertyLong    PropertyType = "long"
	PropertyString  PropertyType = "string"
)

// ValidPropertyTypes lists every accepted property type.
var ValidPropertyTypes = []PropertyType{
	PropertyBoolean, PropertyDouble, PropertyFloat, PropertyInteger, PropertyLong, PropertyString,
}

// IsValid reports whether t is a known property type.
func (t PropertyType) IsValid() bool {
	for _, v := range ValidPropertyTypes {
		if t == v {
			return true
		}
	}
	return false
}

// JSONType maps the property type to a JSON Schema type.
func (t PropertyType) JSONType() string {
	switch t {
	case PropertyBoolean:
		return "boolean"
	case PropertyInteger, PropertyLong:
		return "integer"
	case PropertyDouble, PropertyFloat:
		return "number"
	default:
		return "string"
	}
}

// ClassType is a LoRaWAN device class.
type ClassType string

// LoRaWAN device classes.
const (
	ClassA ClassType = "A"
	ClassB ClassType = "B"
	ClassC ClassType = "C"
)

// Deduplication is the network server's duplicate-frame strategy.
type Deduplication string

// Deduplication strategies.
const (
	DedupNone Deduplication = "None"
	DedupDrop Deduplication = "Drop"
	DedupMark Deduplication = "Mark"
)

// LoRaSettings are the LoRaWAN defaults a model rolls out to its devices.
type LoRaSettings struct {
	ClassType        ClassType     `json:"class_type"`
	UseOTAA          bool          `json:"use_otaa"`
	AppEUI           string        `json:"app_eui,omitempty"`
	SensorDecoder    string        `json:"sensor_decoder,omitempty"`
	Deduplication    Deduplication `json:"deduplication"`
	PreferredWindow  int           `json:"preferred_window"`
	Downlink         *bool         `json:"downlink,omitempty"`
	RX1DROffset      *int          `json:"rx1_dr_offset,omitempty"`
	RX2DataRate      *int          `json:"rx2_data_rate,omitempty"`
	RXDelay          *int          `json:"rx_delay,omitempty"`
	KeepAliveTimeout *int          `json:"keep_alive_timeout,omitempty"`
	ABPRelaxMode     *bool         `json:"abp_relax_mode,omitempty"`
}

// DeviceModel is a template devices are created from.
type DeviceModel struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Description         string        `json:"description,omitempty"`
	IsBuiltin           bool          `json:"is_builtin"`
	SupportLoRaFeatures bool          `json:"support_lora_features"`
	LoRa                *LoRaSettings `json:"lora,omitempty"`
	Labels              []label.Label `json:"labels"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// DeepCopy returns an independent copy.
func (m *DeviceModel) DeepCopy() *DeviceModel {
	if m == nil {
		return nil
	}
	out := *m
	if m.LoRa != nil {
		lora := *m.LoRa
		lora.Downlink = copyPtr(m.LoRa.Downlink)
		lora.RX1DROffset = copyPtr(m.LoRa.RX1DROffset)
		lora.RX2DataRate = copyPtr(m.LoRa.RX2DataRate)
		lora.RXDelay = copyPtr(m.LoRa.RXDelay)
		lora.KeepAliveTimeout = copyPtr(m.LoRa.KeepAliveTimeout)
		lora.ABPRelaxMode = copyPtr(m.LoRa.ABPRelaxMode)
		out.LoRa = &lora
	}
	if m.Labels != nil {
		out.Labels = append([]label.Label(nil), m.Labels...)
	}
	return &out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Property is a twin property exposed by devices of a model. Writable
// properties are desired properties; the rest are read from reported.
type Property struct {
	ID          string       `json:"id"`
	ModelID     string       `json:"model_id"`
	Name        string       `json:"name"`
	DisplayName string       `json:"display_name"`
	IsWritable  bool         `json:"is_writable"`
	Order       int          `json:"order"`
	Type        PropertyType `json:"type"`
}

// Command is a LoRaWAN downlink a model's devices accept.
type Command struct {
	ID        string `json:"id"`
	ModelID   string `json:"model_id"`
	Name      string `json:"name"`
	Frame     string `json:"frame"`
	Port      int    `json:"port"`
	Confirmed bool   `json:"confirmed"`
	IsBuiltin bool   `json:"is_builtin"`
}

// Filter selects models for List.
type Filter struct {
	SearchText string
	Labels     []string
	Page       int
	PageSize   int
	OrderBy    string
}
