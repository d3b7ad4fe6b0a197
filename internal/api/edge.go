package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iothub-portal/internal/edge"
	"github.com/nerrad567/iothub-portal/internal/paging"
)

// handleListEdgeDevices returns one page of edge devices.
//
// Query parameters: searchText, modelId, isEnabled, label, page, pageSize.
func (s *Server) handleListEdgeDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, pageSize, err := pageParams(q)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	enabled, err := queryBool(q, "isEnabled")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	result, err := s.edge.ListDevices(r.Context(), edge.DeviceFilter{
		SearchText: q.Get("searchText"),
		ModelID:    q.Get("modelId"),
		IsEnabled:  enabled,
		Labels:     queryList(q, "label"),
		Page:       page,
		PageSize:   pageSize,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writePage(w, r, result)
}

// handleGetEdgeDevice returns the mirror row enriched with live module state.
func (s *Server) handleGetEdgeDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.edge.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCreateEdgeDevice(w http.ResponseWriter, r *http.Request) {
	var d edge.EdgeDevice
	if err := decodeJSON(r, &d); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	created, err := s.edge.CreateDevice(r.Context(), &d)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateEdgeDevice(w http.ResponseWriter, r *http.Request) {
	var d edge.EdgeDevice
	if err := decodeJSON(r, &d); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	d.ID = chi.URLParam(r, "id")

	updated, err := s.edge.UpdateDevice(r.Context(), &d)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteEdgeDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.edge.DeleteDevice(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetEdgeCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.edge.GetCredentials(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// handleExecuteModuleMethod invokes a direct method such as RestartModule on
// a module of the device.
func (s *Server) handleExecuteModuleMethod(w http.ResponseWriter, r *http.Request) {
	res, err := s.edge.ExecuteModuleMethod(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "module"), chi.URLParam(r, "method"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetModuleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.edge.GetModuleLogs(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "module"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if logs == nil {
		logs = []edge.ModuleLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// handleListEdgeModels returns one page of edge models. Models are few, so
// they are filtered in the store and paged in memory.
func (s *Server) handleListEdgeModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, pageSize, err := pageParams(q)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	models, err := s.edge.ListModels(r.Context(), edge.ModelFilter{
		SearchText: q.Get("searchText"),
		Labels:     queryList(q, "label"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writePage(w, r, paging.Slice(models, paging.NewRequest(page, pageSize)))
}

func (s *Server) handleGetEdgeModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.edge.GetModel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCreateEdgeModel(w http.ResponseWriter, r *http.Request) {
	var m edge.EdgeModel
	if err := decodeJSON(r, &m); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	created, err := s.edge.CreateModel(r.Context(), &m)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateEdgeModel(w http.ResponseWriter, r *http.Request) {
	var m edge.EdgeModel
	if err := decodeJSON(r, &m); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	m.ID = chi.URLParam(r, "id")

	updated, err := s.edge.UpdateModel(r.Context(), &m)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteEdgeModel(w http.ResponseWriter, r *http.Request) {
	if err := s.edge.DeleteModel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetEdgeDeployment returns the hub configuration deploying a model.
func (s *Server) handleGetEdgeDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.edge.Deployment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if dep == nil {
		writeNotFound(w, "no deployment rolled out for this model")
		return
	}
	writeJSON(w, http.StatusOK, dep)
}
