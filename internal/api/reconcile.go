package api

import (
	"net/http"

	"github.com/nerrad567/iothub-portal/internal/journal"
	"github.com/nerrad567/iothub-portal/internal/reconcile"
)

// handleListJournal returns one page of compensation journal entries.
//
// Query parameters: entityKind, entityId, status, page, pageSize.
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, pageSize, err := pageParams(q)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	status := journal.Status(q.Get("status"))
	switch status {
	case "", journal.StatusPending, journal.StatusDone, journal.StatusFailed:
	default:
		writeBadRequest(w, "status must be pending, done or failed")
		return
	}

	result, err := s.journal.List(r.Context(), journal.Filter{
		EntityKind: journal.EntityKind(q.Get("entityKind")),
		EntityID:   q.Get("entityId"),
		Status:     status,
		Page:       page,
		PageSize:   pageSize,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writePage(w, r, result)
}

// handleLastSync returns the latest result of every sync job.
func (s *Server) handleLastSync(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Last())
}

// handleRunSync runs every sync job now and waits for them. A run already in
// progress finishes first.
func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	results := s.scheduler.RunNow(r.Context())
	if results == nil {
		results = []reconcile.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}
