// Package influxdb stores LoRaWAN telemetry and reconciliation statistics
// in InfluxDB v2.
//
// Writes use the non-blocking batched write API; telemetry history is read
// back with Flux. The integration is optional:
//
//	influxdb:
//	  enabled: true
//	  url: "http://influxdb:8086"
//	  org: "portal"
//	  bucket: "telemetry"
//
// Connect returns ErrDisabled when the section is disabled, which callers
// treat as "run without time-series storage".
package influxdb
