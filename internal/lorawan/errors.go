package lorawan

import "errors"

var (
	// ErrCommandNotFound is returned when the device's model has no such command.
	ErrCommandNotFound = errors.New("lorawan: command not found")

	// ErrNotLoRaWAN is returned when the target device is not a LoRaWAN device.
	ErrNotLoRaWAN = errors.New("lorawan: not a LoRaWAN device")

	// ErrInvalidFrame is returned when a command frame is not valid hex.
	ErrInvalidFrame = errors.New("lorawan: invalid command frame")

	// ErrInvalidTelemetry is returned for uplink messages that cannot be decoded.
	ErrInvalidTelemetry = errors.New("lorawan: invalid telemetry message")

	// ErrHistoryDisabled is returned when telemetry history is requested
	// without InfluxDB.
	ErrHistoryDisabled = errors.New("lorawan: telemetry history disabled")
)
