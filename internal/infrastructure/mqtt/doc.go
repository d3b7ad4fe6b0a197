// Package mqtt connects the portal to the MQTT broker shared with the
// LoRaWAN network server.
//
// The portal publishes cloud-to-device downlinks and change events, and
// subscribes to decoded device telemetry:
//
//	portal/lorawan/{deviceId}/downlink   portal -> network server
//	portal/lorawan/{deviceId}/telemetry  network server -> portal
//	portal/events/{kind}/{id}            change notifications
//	portal/system/status                 retained online/offline (LWT)
//
// Topic strings are always built with Topics.
package mqtt
