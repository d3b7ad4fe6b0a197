package iothub

import (
	"fmt"
	"strings"
)

// Well-known twin tag names written by the portal.
const (
	TagDeviceName = "deviceName"
	TagDeviceType = "deviceType"
	TagModelID    = "modelId"
	TagLoRaRegion = "loraRegion"

	DeviceTypeLoRa         = "LoRa Device"
	DeviceTypeConcentrator = "LoRa Concentrator"
)

// Tag returns a tag as a string. Non-string values are formatted.
func (t *Twin) Tag(name string) string {
	v, ok := t.Tags[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// IsEdge reports whether the twin belongs to an IoT Edge device.
func (t *Twin) IsEdge() bool {
	return t.Capabilities != nil && t.Capabilities.IoTEdge
}

// IsConnected reports whether the device currently holds a connection.
func (t *Twin) IsConnected() bool {
	return strings.EqualFold(t.ConnectionState, ConnectionConnected)
}

// IsEnabled reports whether the identity may connect.
func (t *Twin) IsEnabled() bool {
	return !strings.EqualFold(t.Status, StatusDisabled)
}

// Desired returns the desired property at a dotted path.
func (t *Twin) Desired(path string) (any, bool) {
	return lookup(t.Properties.Desired, path)
}

// Reported returns the reported property at a dotted path.
func (t *Twin) Reported(path string) (any, bool) {
	return lookup(t.Properties.Reported, path)
}

func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// NewTwinPatch returns an empty patch.
func NewTwinPatch() *TwinPatch {
	return &TwinPatch{}
}

// SetTag sets a tag. A nil value removes it.
func (p *TwinPatch) SetTag(name string, value any) *TwinPatch {
	if p.Tags == nil {
		p.Tags = make(map[string]any)
	}
	p.Tags[name] = value
	return p
}

// SetDesired sets a desired property. Dotted paths create nested objects.
func (p *TwinPatch) SetDesired(path string, value any) *TwinPatch {
	if p.Properties == nil {
		p.Properties = &PatchProperties{}
	}
	if p.Properties.Desired == nil {
		p.Properties.Desired = make(map[string]any)
	}
	setPath(p.Properties.Desired, path, value)
	return p
}

// IsEmpty reports whether the patch changes nothing.
func (p *TwinPatch) IsEmpty() bool {
	return len(p.Tags) == 0 && (p.Properties == nil || len(p.Properties.Desired) == 0)
}

func setPath(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// MergePatch applies patch to doc with JSON merge-patch semantics: nested
// objects merge recursively and nil values delete keys.
func MergePatch(doc, patch map[string]any) map[string]any {
	if doc == nil {
		doc = make(map[string]any)
	}
	for k, v := range patch {
		if v == nil {
			delete(doc, k)
			continue
		}
		if pm, ok := v.(map[string]any); ok {
			dm, _ := doc[k].(map[string]any)
			doc[k] = MergePatch(dm, pm)
			continue
		}
		doc[k] = v
	}
	return doc
}
