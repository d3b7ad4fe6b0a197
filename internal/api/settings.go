package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/label"
)

func (s *Server) handleListDeviceTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.tags.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if tags == nil {
		tags = []devicetag.DeviceTag{}
	}
	writeJSON(w, http.StatusOK, tags)
}

// handleReplaceDeviceTags replaces every tag definition at once.
func (s *Server) handleReplaceDeviceTags(w http.ResponseWriter, r *http.Request) {
	var tags []devicetag.DeviceTag
	if err := decodeJSON(r, &tags); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.tags.Replace(r.Context(), tags); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.handleListDeviceTags(w, r)
}

// handleUpsertDeviceTag creates or updates one tag definition.
func (s *Server) handleUpsertDeviceTag(w http.ResponseWriter, r *http.Request) {
	var tag devicetag.DeviceTag
	if err := decodeJSON(r, &tag); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.tags.Upsert(r.Context(), tag); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tag)
}

func (s *Server) handleDeleteDeviceTag(w http.ResponseWriter, r *http.Request) {
	if err := s.tags.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLoRaSettings tells the front end whether LoRaWAN screens apply.
func (s *Server) handleLoRaSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":           s.lora.Enabled,
		"telemetry_history": s.lora.TelemetryHistory,
		"commands_enabled":  s.lora.Enabled && s.commands != nil,
	})
}

// handlePortalSettings returns the branding shown by the front end.
func (s *Server) handlePortalSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      s.portal.Name,
		"copyright": s.portal.Copyright,
		"version":   s.version,
	})
}

// handleListLabels returns every label in use by devices or models.
func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := label.ListAvailable(r.Context(), s.db)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if labels == nil {
		labels = []label.Label{}
	}
	writeJSON(w, http.StatusOK, labels)
}
