package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iothub-portal/internal/configuration"
)

func (s *Server) handleListConfigurations(w http.ResponseWriter, r *http.Request) {
	list, err := s.configurations.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []configuration.DeviceConfiguration{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	dc, err := s.configurations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dc)
}

// handleSaveConfiguration creates the configuration or replaces the one with
// the same ID.
func (s *Server) handleSaveConfiguration(w http.ResponseWriter, r *http.Request) {
	var dc configuration.DeviceConfiguration
	if err := decodeJSON(r, &dc); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	saved, err := s.configurations.CreateOrUpdate(r.Context(), &dc)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteConfiguration(w http.ResponseWriter, r *http.Request) {
	if err := s.configurations.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetConfigurationMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.configurations.GetMetrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
