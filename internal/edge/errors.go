package edge

import "errors"

// Domain errors.
var (
	ErrDeviceNotFound    = errors.New("edge: device not found")
	ErrDeviceExists      = errors.New("edge: device already exists")
	ErrInvalidDevice     = errors.New("edge: invalid device")
	ErrInvalidTag        = errors.New("edge: invalid tag")
	ErrConcurrentUpdate  = errors.New("edge: twin changed concurrently")
	ErrModelNotFound     = errors.New("edge: model not found")
	ErrModelExists       = errors.New("edge: model already exists")
	ErrInvalidModel      = errors.New("edge: invalid model")
	ErrModelInUse        = errors.New("edge: model in use")
	ErrModuleNotFound    = errors.New("edge: module not found")
	ErrUnknownMethod     = errors.New("edge: unknown module method")
	ErrMethodFailed      = errors.New("edge: module method failed")
	ErrProvisioningUnset = errors.New("edge: edge provisioning is not configured")
)
