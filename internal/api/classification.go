package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/annales/annales/internal/logging"
	"github.com/annales/annales/internal/metadata/postgres"
)

// The hierarchy is read-only over HTTP; nodes are minted by uploads.
// Each level is scoped by its full ancestry, so the deeper listings
// require every parent as a query parameter.

func (s *Server) handleListSemesters(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListSemesters(r.Context())
	if err != nil {
		logging.Error("semester listing failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to list semesters")
		return
	}
	if rows == nil {
		rows = []postgres.NodeRow{}
	}
	s.sendJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListTypes(w http.ResponseWriter, r *http.Request) {
	semester := r.URL.Query().Get("semester")
	if semester == "" {
		s.sendError(w, http.StatusBadRequest, errValidation, "query parameter semester is required")
		return
	}
	rows, err := s.store.ListTypes(r.Context(), semester)
	if err != nil {
		logging.Error("type listing failed", zap.String("semester", semester), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to list types")
		return
	}
	if rows == nil {
		rows = []postgres.NodeRow{}
	}
	s.sendJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	semester, docType := q.Get("semester"), q.Get("type")
	if semester == "" || docType == "" {
		s.sendError(w, http.StatusBadRequest, errValidation, "query parameters semester and type are required")
		return
	}
	rows, err := s.store.ListSubjects(r.Context(), semester, docType)
	if err != nil {
		logging.Error("subject listing failed", zap.String("semester", semester), zap.String("type", docType), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to list subjects")
		return
	}
	if rows == nil {
		rows = []postgres.NodeRow{}
	}
	s.sendJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListYears(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	semester, docType, subject := q.Get("semester"), q.Get("type"), q.Get("subject")
	if semester == "" || docType == "" || subject == "" {
		s.sendError(w, http.StatusBadRequest, errValidation, "query parameters semester, type and subject are required")
		return
	}
	rows, err := s.store.ListYears(r.Context(), semester, docType, subject)
	if err != nil {
		logging.Error("year listing failed",
			zap.String("semester", semester),
			zap.String("type", docType),
			zap.String("subject", subject),
			zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to list years")
		return
	}
	if rows == nil {
		rows = []postgres.YearRow{}
	}
	s.sendJSON(w, http.StatusOK, rows)
}
