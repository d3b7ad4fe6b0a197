package api

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iothub-portal/internal/device"
)

// maxImportMemory is the multipart memory budget of an import upload.
const maxImportMemory = 4 << 20

// handleListDevices returns one page of devices of both kinds.
//
// Query parameters:
//   - searchText: substring of the device ID or name
//   - isEnabled, isConnected: true or false
//   - modelId: exact model ID
//   - tag.{name}: case-insensitive tag value match
//   - label: label names, repeated or comma separated
//   - page, pageSize, orderBy
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	filter, ok := deviceFilter(w, r)
	if !ok {
		return
	}
	s.listDevices(w, r, filter)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request, filter device.Filter) {
	page, err := s.devices.GetDevices(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writePage(w, r, page)
}

// deviceFilter parses the device list query. It writes the error response
// itself and reports whether the caller should continue.
func deviceFilter(w http.ResponseWriter, r *http.Request) (device.Filter, bool) {
	q := r.URL.Query()
	page, pageSize, err := pageParams(q)
	if err != nil {
		writeBadRequest(w, err.Error())
		return device.Filter{}, false
	}
	enabled, err := queryBool(q, "isEnabled")
	if err != nil {
		writeBadRequest(w, err.Error())
		return device.Filter{}, false
	}
	connected, err := queryBool(q, "isConnected")
	if err != nil {
		writeBadRequest(w, err.Error())
		return device.Filter{}, false
	}
	return device.Filter{
		SearchText:  q.Get("searchText"),
		IsEnabled:   enabled,
		IsConnected: connected,
		ModelID:     q.Get("modelId"),
		Tags:        tagFilters(q),
		Labels:      queryList(q, "label"),
		Page:        page,
		PageSize:    pageSize,
		OrderBy:     q.Get("orderBy"),
	}, true
}

// handleGetDevice returns a single device of either kind.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devices.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleCreateDevice registers a plain device.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var dev device.Device
	if err := decodeJSON(r, &dev); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	created, err := s.devices.CreateDevice(r.Context(), &dev)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleUpdateDevice replaces the editable fields of a plain device. The
// path ID wins over any ID in the body.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var dev device.Device
	if err := decodeJSON(r, &dev); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	dev.ID = chi.URLParam(r, "id")

	updated, err := s.devices.UpdateDevice(r.Context(), &dev)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteDevice removes a device of either kind.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.devices.DeleteDevice(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetDeviceProperties returns the model properties with current values.
func (s *Server) handleGetDeviceProperties(w http.ResponseWriter, r *http.Request) {
	props, err := s.devices.GetProperties(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, props)
}

// handleSetDeviceProperties writes desired values for writable properties.
// The body maps property names to values.
func (s *Server) handleSetDeviceProperties(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := decodeJSON(r, &values); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if len(values) == 0 {
		writeBadRequest(w, "no property values given")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.devices.SetProperties(r.Context(), id, values); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	props, err := s.devices.GetProperties(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, props)
}

// handleGetDeviceCredentials returns the enrollment credentials of a device.
func (s *Server) handleGetDeviceCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.devices.GetCredentials(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// handleAvailableTags lists the tag names devices can be filtered by.
func (s *Server) handleAvailableTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.devices.AvailableTags(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, tags)
}

// handleExportDevices downloads every device as CSV.
func (s *Server) handleExportDevices(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.devices.Export(r.Context(), &buf); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	name := "devices-" + time.Now().UTC().Format("20060102-150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	w.Write(buf.Bytes())
}

// handleImportDevices creates or updates devices from a CSV upload. The file
// is either the "file" part of a multipart form or the raw request body.
func (s *Server) handleImportDevices(w http.ResponseWriter, r *http.Request) {
	var src io.Reader = r.Body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxImportMemory); err != nil {
			writeBadRequest(w, "invalid multipart form")
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeBadRequest(w, "multipart form has no file part")
			return
		}
		defer file.Close()
		src = file
	}

	report, err := s.devices.Import(r.Context(), src)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
