package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/annales/annales/internal/archive"
	"github.com/annales/annales/internal/events"
	"github.com/annales/annales/internal/logging"
	"github.com/annales/annales/internal/metadata/postgres"
	"github.com/annales/annales/internal/metrics"
	"github.com/annales/annales/internal/storage"
)

// lookupDocument resolves the {fileID} path value to a record, writing
// the error response itself when there is nothing to serve.
func (s *Server) lookupDocument(w http.ResponseWriter, r *http.Request) *postgres.DocumentRow {
	fileID := r.PathValue("fileID")
	if _, err := uuid.Parse(fileID); err != nil {
		s.sendError(w, http.StatusBadRequest, errValidation, "invalid file id")
		return nil
	}
	doc, err := s.store.GetDocument(r.Context(), fileID)
	if err != nil {
		logging.Error("document lookup failed", zap.String("id", fileID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to load document")
		return nil
	}
	if doc == nil {
		s.sendError(w, http.StatusNotFound, errNotFound, "no document with id "+fileID)
		return nil
	}
	return doc
}

// ─── Listing ────────────────────────────────────────────────────────────────

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := postgres.DocumentFilter{
		Semester: q.Get("semester"),
		DocType:  q.Get("type"),
		Subject:  q.Get("subject"),
	}
	if yearStr := q.Get("year"); yearStr != "" {
		year, err := strconv.Atoi(yearStr)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, errValidation, "year must be an integer")
			return
		}
		filter.Year = year
	}

	docs, err := s.store.ListDocuments(r.Context(), filter)
	if err != nil {
		logging.Error("document listing failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to list documents")
		return
	}

	records := make([]fileRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, s.recordFromRow(d))
	}
	s.sendJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	doc := s.lookupDocument(w, r)
	if doc == nil {
		return
	}
	s.sendJSON(w, http.StatusOK, s.recordFromRow(doc))
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.serveDocument(w, r, "inline")
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveDocument(w, r, "attachment")
}

// serveDocument streams a document's bytes with range support. The view
// and download modes differ only in the Content-Disposition they send.
func (s *Server) serveDocument(w http.ResponseWriter, r *http.Request, disposition string) {
	doc := s.lookupDocument(w, r)
	if doc == nil {
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")

	offset, length, hasRange, ok := parseRangeHeader(r.Header.Get("Range"), doc.FileSize)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", doc.FileSize))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, errRange, "requested range not satisfiable")
		return
	}

	backend, err := s.router.ResolveForRead(r.Context(), doc.StorageProvider)
	if err != nil {
		s.sendError(w, http.StatusServiceUnavailable, errStorageGone,
			"storage backend "+doc.StorageProvider+" is unavailable")
		return
	}

	var reader io.ReadCloser
	if hasRange {
		reader, _, err = backend.GetObject(r.Context(), doc.StorageKey, offset, length)
	} else {
		reader, _, err = backend.GetObject(r.Context(), doc.StorageKey, 0, 0)
	}
	if err != nil {
		metrics.RecordDownload(0, false)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// The record points at a blob that no longer exists. Prune
			// it now instead of waiting for the sweep.
			s.pruneDanglingRecord(doc)
			s.sendError(w, http.StatusNotFound, errNotFound, "document content is missing")
		case errors.Is(err, storage.ErrRangeNotSatisfiable):
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", doc.FileSize))
			s.sendError(w, http.StatusRequestedRangeNotSatisfiable, errRange, "requested range not satisfiable")
		case errors.Is(err, storage.ErrBackendUnavailable):
			s.sendError(w, http.StatusServiceUnavailable, errStorageGone,
				"storage backend "+doc.StorageProvider+" is unavailable")
		default:
			logging.Error("content read failed",
				zap.String("id", doc.ID),
				zap.String("provider", doc.StorageProvider),
				zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, errInternal, "failed to read document content")
		}
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", archive.MIMETypePDF)
	w.Header().Set("Content-Disposition", archive.ContentDisposition(disposition, doc.DisplayName))
	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, doc.FileSize))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(doc.FileSize, 10))
		w.WriteHeader(http.StatusOK)
	}

	n, err := io.Copy(w, reader)
	if err != nil {
		logging.Warn("document transfer interrupted",
			zap.String("id", doc.ID),
			zap.Int64("sent", n),
			zap.Error(err))
	}
	metrics.RecordDownload(n, err == nil)
}

// pruneDanglingRecord deletes a record whose blob is confirmed absent.
func (s *Server) pruneDanglingRecord(doc *postgres.DocumentRow) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := s.store.DeleteDocument(ctx, doc.ID); err != nil {
		logging.Warn("dangling record prune failed", zap.String("id", doc.ID), zap.Error(err))
		return
	}
	logging.Info("pruned dangling record",
		zap.String("id", doc.ID),
		zap.String("provider", doc.StorageProvider),
		zap.String("key", doc.StorageKey))
	s.publishFile(events.EventDeleted, s.recordFromRow(doc))
}

// ─── Delete ─────────────────────────────────────────────────────────────────

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	doc := s.lookupDocument(w, r)
	if doc == nil {
		return
	}

	// Blob first: if the record delete then fails, the sweep reclaims
	// the dangling record, whereas an orphaned blob would linger forever.
	blobDeleted := false
	backend, err := s.router.ResolveForRead(r.Context(), doc.StorageProvider)
	if err != nil {
		logging.Warn("blob delete skipped, backend unavailable",
			zap.String("id", doc.ID),
			zap.String("provider", doc.StorageProvider))
	} else {
		blobDeleted, err = backend.DeleteObject(r.Context(), doc.StorageKey)
		if err != nil {
			logging.Warn("blob delete failed",
				zap.String("id", doc.ID),
				zap.String("key", doc.StorageKey),
				zap.Error(err))
			blobDeleted = false
		}
	}

	databaseDeleted, err := s.store.DeleteDocument(r.Context(), doc.ID)
	if err != nil {
		logging.Error("record delete failed", zap.String("id", doc.ID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to delete document")
		return
	}

	logging.Info("document deleted",
		zap.String("id", doc.ID),
		zap.Bool("databaseDeleted", databaseDeleted),
		zap.Bool("blobDeleted", blobDeleted))
	s.publishFile(events.EventDeleted, s.recordFromRow(doc))

	s.sendJSON(w, http.StatusOK, map[string]bool{
		"databaseDeleted": databaseDeleted,
		"blobDeleted":     blobDeleted,
	})
}

// ─── Update ─────────────────────────────────────────────────────────────────

// handleUpdate applies a metadata-only patch: display name and any
// subset of the classification tuple. Provided values merge over the
// record's current ones and the merged tuple re-resolves through the
// same find-or-create path uploads use. Bytes never move.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	doc := s.lookupDocument(w, r)
	if doc == nil {
		return
	}

	var req struct {
		DisplayName *string `json:"displayName"`
		Semester    *string `json:"semester"`
		Type        *string `json:"type"`
		Subject     *string `json:"subject"`
		Year        *int    `json:"year"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, errValidation, "invalid JSON body")
		return
	}
	if req.DisplayName == nil && req.Semester == nil && req.Type == nil && req.Subject == nil && req.Year == nil {
		s.sendError(w, http.StatusBadRequest, errValidation, "no updatable fields provided")
		return
	}

	displayName := doc.DisplayName
	if req.DisplayName != nil {
		if strings.TrimSpace(*req.DisplayName) == "" {
			s.sendError(w, http.StatusBadRequest, errValidation, "displayName cannot be empty")
			return
		}
		displayName = archive.SanitizeFilename(*req.DisplayName)
	}

	cls := postgres.Classification{
		Semester: doc.Semester,
		DocType:  doc.DocType,
		Subject:  doc.Subject,
		Year:     doc.Year,
	}
	if req.Semester != nil {
		cls.Semester = strings.TrimSpace(*req.Semester)
	}
	if req.Type != nil {
		cls.DocType = strings.TrimSpace(*req.Type)
	}
	if req.Subject != nil {
		cls.Subject = strings.TrimSpace(*req.Subject)
	}
	if req.Year != nil {
		cls.Year = *req.Year
	}
	if cls.Semester == "" || cls.DocType == "" || cls.Subject == "" {
		s.sendError(w, http.StatusBadRequest, errValidation, "classification fields cannot be empty")
		return
	}
	if cls.Year <= 0 {
		s.sendError(w, http.StatusBadRequest, errValidation, "year must be a positive integer")
		return
	}

	ids, err := s.store.ResolveClassification(r.Context(), cls)
	if err != nil {
		logging.Error("classification resolution failed", zap.String("id", doc.ID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "could not resolve classification")
		return
	}

	updated, err := s.store.UpdateDocument(r.Context(), doc.ID, displayName, ids)
	if err != nil {
		logging.Error("record update failed", zap.String("id", doc.ID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to update document")
		return
	}
	if !updated {
		s.sendError(w, http.StatusNotFound, errNotFound, "no document with id "+doc.ID)
		return
	}

	fresh, err := s.store.GetDocument(r.Context(), doc.ID)
	if err != nil || fresh == nil {
		logging.Error("updated document reload failed", zap.String("id", doc.ID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to load updated document")
		return
	}

	logging.Info("document updated",
		zap.String("id", fresh.ID),
		zap.String("name", fresh.DisplayName),
		zap.String("semester", fresh.Semester),
		zap.String("type", fresh.DocType),
		zap.String("subject", fresh.Subject),
		zap.Int("year", fresh.Year))

	record := s.recordFromRow(fresh)
	s.publishFile(events.EventUpdated, record)
	s.sendJSON(w, http.StatusOK, record)
}
