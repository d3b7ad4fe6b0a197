package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/iothub-portal/internal/concentrator"
	"github.com/nerrad567/iothub-portal/internal/configuration"
	"github.com/nerrad567/iothub-portal/internal/device"
	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/edge"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/journal"
	"github.com/nerrad567/iothub-portal/internal/label"
	"github.com/nerrad567/iothub-portal/internal/lorawan"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeLoRaDisabled   = "lora_disabled"
	ErrCodeHubUnavailable = "hub_unavailable"
	ErrCodeUnavailable    = "service_unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

var (
	notFoundErrors = []error{
		device.ErrDeviceNotFound,
		devicemodel.ErrModelNotFound,
		devicemodel.ErrCommandNotFound,
		devicetag.ErrTagNotFound,
		concentrator.ErrNotFound,
		edge.ErrDeviceNotFound,
		edge.ErrModelNotFound,
		edge.ErrModuleNotFound,
		configuration.ErrNotFound,
		journal.ErrEntryNotFound,
		lorawan.ErrCommandNotFound,
		iothub.ErrNotFound,
	}

	conflictErrors = []error{
		device.ErrDeviceExists,
		device.ErrConcurrentUpdate,
		devicemodel.ErrModelExists,
		devicemodel.ErrModelInUse,
		devicemodel.ErrBuiltinModel,
		concentrator.ErrExists,
		concentrator.ErrConcurrentUpdate,
		edge.ErrDeviceExists,
		edge.ErrConcurrentUpdate,
		edge.ErrModelExists,
		edge.ErrModelInUse,
		iothub.ErrConflict,
		iothub.ErrPreconditionFailed,
	}

	validationErrors = []error{
		device.ErrInvalidDevice,
		device.ErrInvalidTag,
		device.ErrModelMismatch,
		device.ErrNotLoRaWAN,
		device.ErrInvalidImport,
		devicemodel.ErrInvalidModel,
		devicemodel.ErrNotLoRaModel,
		devicemodel.ErrInvalidValue,
		devicetag.ErrInvalidTag,
		label.ErrInvalidLabel,
		concentrator.ErrInvalid,
		concentrator.ErrUnknownRegion,
		concentrator.ErrInvalidThumbprint,
		edge.ErrInvalidDevice,
		edge.ErrInvalidTag,
		edge.ErrInvalidModel,
		edge.ErrUnknownMethod,
		configuration.ErrInvalid,
		lorawan.ErrNotLoRaWAN,
		lorawan.ErrInvalidFrame,
		iothub.ErrInvalidID,
		iothub.ErrBadRequest,
	}

	unavailableErrors = []error{
		device.ErrProvisioningDisabled,
		edge.ErrProvisioningUnset,
		lorawan.ErrHistoryDisabled,
	}

	hubErrors = []error{
		iothub.ErrUnavailable,
		iothub.ErrThrottled,
		iothub.ErrUnauthorized,
		iothub.ErrResponseTooLarge,
		edge.ErrMethodFailed,
	}
)

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeDomainError maps a service error to a status code. Only mapped
// errors expose their message; anything else is logged and reported as an
// internal error.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isAny(err, notFoundErrors):
		writeNotFound(w, err.Error())
	case isAny(err, conflictErrors):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case isAny(err, validationErrors):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case isAny(err, unavailableErrors):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case isAny(err, hubErrors):
		s.logger.Warn("iot hub call failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeError(w, http.StatusBadGateway, ErrCodeHubUnavailable, "iot hub is unavailable")
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal server error")
	}
}
