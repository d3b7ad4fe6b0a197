package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device is neither mirrored nor
	// present in the hub.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device whose ID is already
	// mirrored or registered in the hub.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidTag is returned when a tag is undefined or a required tag is missing.
	ErrInvalidTag = errors.New("device: invalid tag")

	// ErrModelMismatch is returned when a LoRa model is used for a plain
	// device or the reverse.
	ErrModelMismatch = errors.New("device: model does not match device kind")

	// ErrConcurrentUpdate is returned when the twin changed between read
	// and write.
	ErrConcurrentUpdate = errors.New("device: twin changed concurrently")

	// ErrNotLoRaWAN is returned when a LoRaWAN operation targets a plain device.
	ErrNotLoRaWAN = errors.New("device: not a LoRaWAN device")

	// ErrProvisioningDisabled is returned by GetCredentials when no
	// enrollment group key is configured.
	ErrProvisioningDisabled = errors.New("device: provisioning not configured")

	// ErrInvalidImport is returned when an import file cannot be read.
	ErrInvalidImport = errors.New("device: invalid import file")
)
