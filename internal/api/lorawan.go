package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iothub-portal/internal/concentrator"
	"github.com/nerrad567/iothub-portal/internal/device"
)

// maxHistoryLookback bounds the telemetry history window.
const maxHistoryLookback = 30 * 24 * time.Hour

// handleListLoRaWANDevices returns one page of LoRaWAN devices. It takes
// the same filters as the device listing.
func (s *Server) handleListLoRaWANDevices(w http.ResponseWriter, r *http.Request) {
	filter, ok := deviceFilter(w, r)
	if !ok {
		return
	}
	filter.Kind = device.KindLoRaWAN
	s.listDevices(w, r, filter)
}

func (s *Server) handleGetLoRaWANDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devices.GetLoRaWANDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleDeleteLoRaWANDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.DeleteLoRaWANDevice(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateLoRaWANDevice(w http.ResponseWriter, r *http.Request) {
	var dev device.LoRaWANDevice
	if err := decodeJSON(r, &dev); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	created, err := s.devices.CreateLoRaWANDevice(r.Context(), &dev)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateLoRaWANDevice(w http.ResponseWriter, r *http.Request) {
	var dev device.LoRaWANDevice
	if err := decodeJSON(r, &dev); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	dev.ID = chi.URLParam(r, "id")

	updated, err := s.devices.UpdateLoRaWANDevice(r.Context(), &dev)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleExecuteCommand sends a model command to the device as a downlink.
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "downlink commands need an MQTT broker")
		return
	}

	dl, err := s.commands.Execute(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "commandId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dl)
}

// handleGetTelemetry returns the stored uplinks of a device, newest first.
// With ?lookback=<duration> it returns the time series history instead.
func (s *Server) handleGetTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	id := chi.URLParam(r, "id")

	// 404 for unknown devices rather than an empty list.
	if _, err := s.devices.GetLoRaWANDevice(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if raw := r.URL.Query().Get("lookback"); raw != "" {
		lookback, err := time.ParseDuration(raw)
		if err != nil || lookback <= 0 || lookback > maxHistoryLookback {
			writeBadRequest(w, "lookback must be a positive duration of at most 720h")
			return
		}
		points, err := s.telemetry.TelemetryHistory(r.Context(), id, lookback)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, points)
		return
	}

	msgs, err := s.telemetry.GetTelemetry(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleListConcentrators(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageParams(r.URL.Query())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	result, err := s.concentrators.List(r.Context(), page, pageSize)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writePage(w, r, result)
}

func (s *Server) handleGetConcentrator(w http.ResponseWriter, r *http.Request) {
	c, err := s.concentrators.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCreateConcentrator(w http.ResponseWriter, r *http.Request) {
	var c concentrator.Concentrator
	if err := decodeJSON(r, &c); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	created, err := s.concentrators.Create(r.Context(), &c)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateConcentrator(w http.ResponseWriter, r *http.Request) {
	var c concentrator.Concentrator
	if err := decodeJSON(r, &c); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	c.ID = chi.URLParam(r, "id")

	updated, err := s.concentrators.Update(r.Context(), &c)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteConcentrator(w http.ResponseWriter, r *http.Request) {
	if err := s.concentrators.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListRegions lists the LoRa regions a concentrator can be set to.
func (s *Server) handleListRegions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, concentrator.Regions())
}
