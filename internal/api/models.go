package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
)

// handleListModels returns one page of device models.
//
// Query parameters: searchText, label, page, pageSize, orderBy.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, pageSize, err := pageParams(q)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	result, err := s.models.List(r.Context(), devicemodel.Filter{
		SearchText: q.Get("searchText"),
		Labels:     queryList(q, "label"),
		Page:       page,
		PageSize:   pageSize,
		OrderBy:    q.Get("orderBy"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writePage(w, r, result)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.models.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var m devicemodel.DeviceModel
	if err := decodeJSON(r, &m); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	created, err := s.models.Create(r.Context(), &m)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	var m devicemodel.DeviceModel
	if err := decodeJSON(r, &m); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	m.ID = chi.URLParam(r, "id")

	updated, err := s.models.Update(r.Context(), &m)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.models.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetModelProperties(w http.ResponseWriter, r *http.Request) {
	props, err := s.models.GetProperties(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, props)
}

// handleSetModelProperties replaces the property list of a model.
func (s *Server) handleSetModelProperties(w http.ResponseWriter, r *http.Request) {
	var props []devicemodel.Property
	if err := decodeJSON(r, &props); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	saved, err := s.models.SetProperties(r.Context(), chi.URLParam(r, "id"), props)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// handleGetModelSchema returns the JSON schema desired writes are checked against.
func (s *Server) handleGetModelSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.models.PropertySchema(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) handleGetModelCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.models.GetCommands(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

// handleSetModelCommands replaces the command list of a LoRa model.
func (s *Server) handleSetModelCommands(w http.ResponseWriter, r *http.Request) {
	var cmds []devicemodel.Command
	if err := decodeJSON(r, &cmds); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	saved, err := s.models.SetCommands(r.Context(), chi.URLParam(r, "id"), cmds)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
