package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes used by the portal.
const (
	TopicPrefix        = "portal"
	TopicPrefixLoRaWAN = "portal/lorawan"
	TopicPrefixEvents  = "portal/events"
	TopicPrefixSystem  = "portal/system"
)

// Topics builds portal MQTT topics.
//
//	mqtt.Topics{}.LoRaWANDownlink("0004A30B001C0530")
//	// portal/lorawan/0004A30B001C0530/downlink
type Topics struct {
	// LoRaWANPrefix overrides TopicPrefixLoRaWAN when the network server
	// uses a different hierarchy.
	LoRaWANPrefix string
}

func (t Topics) lorawan() string {
	if t.LoRaWANPrefix != "" {
		return strings.TrimSuffix(t.LoRaWANPrefix, "/")
	}
	return TopicPrefixLoRaWAN
}

// LoRaWANDownlink is where cloud-to-device commands for one device go.
func (t Topics) LoRaWANDownlink(deviceID string) string {
	return fmt.Sprintf("%s/%s/downlink", t.lorawan(), deviceID)
}

// LoRaWANTelemetry is where the network server publishes decoded uplinks.
func (t Topics) LoRaWANTelemetry(deviceID string) string {
	return fmt.Sprintf("%s/%s/telemetry", t.lorawan(), deviceID)
}

// AllLoRaWANTelemetry matches every device's uplinks.
func (t Topics) AllLoRaWANTelemetry() string {
	return fmt.Sprintf("%s/+/telemetry", t.lorawan())
}

// DeviceIDFromTelemetry extracts the device id from a telemetry topic.
func (t Topics) DeviceIDFromTelemetry(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.lorawan()+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/telemetry")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Event is the topic for a change event on one entity.
//
// Example: portal/events/device/sensor-01
func (Topics) Event(kind, entityID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixEvents, kind, entityID)
}

// AllEvents matches every change event.
func (Topics) AllEvents() string {
	return TopicPrefixEvents + "/#"
}

// SystemStatus is the retained online/offline status of the portal.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}
