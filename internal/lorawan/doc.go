// Package lorawan carries traffic between the portal and the LoRaWAN
// network server over MQTT: model commands go out as downlinks, decoded
// uplinks come back as telemetry.
//
// Telemetry is deduplicated per device with a bloom filter, kept in SQLite
// as a short rolling window per device, and written to InfluxDB for
// history when that is enabled.
package lorawan
