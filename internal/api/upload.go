package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/annales/annales/internal/archive"
	"github.com/annales/annales/internal/events"
	"github.com/annales/annales/internal/logging"
	"github.com/annales/annales/internal/metadata/postgres"
	"github.com/annales/annales/internal/metrics"
	"github.com/annales/annales/internal/storage"
)

// multipartMemory bounds how much of a parsed form stays in memory
// before spilling to disk.
const multipartMemory = 32 << 20

// uploadFormOverhead leaves room for multipart framing and the
// classification fields on top of the payload cap.
const uploadFormOverhead = 1 << 20

// cleanupTimeout bounds rollback deletes, which run detached from the
// request context so a client disconnect cannot strand an orphaned blob.
const cleanupTimeout = 30 * time.Second

// handleUpload accepts a multipart PDF upload with its classification,
// persists the payload on the active backend and commits the record.
// The record is inserted only after the blob is durable and every
// classification node exists; a failed insert rolls the blob back.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+uploadFormOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			metrics.RecordUpload(0, false)
			s.sendError(w, http.StatusRequestEntityTooLarge, errPayloadTooLarge,
				"payload exceeds the upload limit of "+strconv.FormatInt(s.maxUploadSize, 10)+" bytes")
			return
		}
		s.sendError(w, http.StatusBadRequest, errValidation, "malformed multipart body")
		return
	}

	file, header, err := r.FormFile("pdf")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, errValidation, `multipart field "pdf" is required`)
		return
	}
	defer file.Close()

	declared := header.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil || mediaType != archive.MIMETypePDF {
		s.sendError(w, http.StatusUnsupportedMediaType, errUnsupportedType,
			"only "+archive.MIMETypePDF+" uploads are accepted")
		return
	}

	semester := strings.TrimSpace(r.FormValue("semester"))
	docType := strings.TrimSpace(r.FormValue("type"))
	subject := strings.TrimSpace(r.FormValue("subject"))
	yearStr := strings.TrimSpace(r.FormValue("year"))
	if semester == "" || docType == "" || subject == "" || yearStr == "" {
		s.sendError(w, http.StatusBadRequest, errValidation,
			"classification fields semester, type, subject and year are all required")
		return
	}
	year, err := strconv.Atoi(yearStr)
	if err != nil || year <= 0 {
		s.sendError(w, http.StatusBadRequest, errValidation, "year must be a positive integer")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		metrics.RecordUpload(0, false)
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to read upload")
		return
	}
	if int64(len(data)) > s.maxUploadSize {
		metrics.RecordUpload(0, false)
		s.sendError(w, http.StatusRequestEntityTooLarge, errPayloadTooLarge,
			"payload exceeds the upload limit of "+strconv.FormatInt(s.maxUploadSize, 10)+" bytes")
		return
	}
	if len(data) == 0 {
		s.sendError(w, http.StatusBadRequest, errValidation, "uploaded file is empty")
		return
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		s.sendError(w, http.StatusUnsupportedMediaType, errUnsupportedType,
			"payload is not a PDF document")
		return
	}

	// Page count is informational; documents whose structure pdfcpu
	// cannot parse are still archived.
	pageCount := 0
	if n, err := pdfapi.PageCount(bytes.NewReader(data), model.NewDefaultConfiguration()); err == nil {
		pageCount = n
	} else {
		logging.Debug("page count unavailable", zap.String("name", header.Filename), zap.Error(err))
	}

	// Resolving before the blob write means a classification failure
	// leaves nothing to clean up. Nodes minted here are never rolled
	// back; future uploads reuse them.
	ids, err := s.store.ResolveClassification(r.Context(), postgres.Classification{
		Semester: semester,
		DocType:  docType,
		Subject:  subject,
		Year:     year,
	})
	if err != nil {
		logging.Error("classification resolution failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "could not resolve classification")
		return
	}

	backend := s.router.Active()
	key, written, err := backend.PutObject(r.Context(), storage.PutRequest{
		Body:         bytes.NewReader(data),
		Size:         int64(len(data)),
		OriginalName: header.Filename,
		ContentType:  archive.MIMETypePDF,
	})
	if err != nil {
		metrics.RecordUpload(0, false)
		logging.Error("blob write failed",
			zap.String("provider", backend.Provider()),
			zap.Error(err))
		var writeErr *storage.WriteError
		if errors.As(err, &writeErr) {
			s.sendError(w, http.StatusServiceUnavailable, errStorageWrite, "storage backend rejected the upload")
			return
		}
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to store upload")
		return
	}

	doc := &postgres.DocumentRow{
		DisplayName:     archive.SanitizeFilename(header.Filename),
		OriginalName:    header.Filename,
		MimeType:        archive.MIMETypePDF,
		FileSize:        int64(len(data)),
		PageCount:       pageCount,
		StorageKey:      key,
		StorageProvider: backend.Provider(),
		SemesterID:      ids.SemesterID,
		TypeID:          ids.TypeID,
		SubjectID:       ids.SubjectID,
		YearID:          ids.YearID,
		Semester:        semester,
		DocType:         docType,
		Subject:         subject,
		Year:            year,
	}
	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		// The blob is orphaned now; remove it before reporting the
		// original failure. This is also the path a mid-upload client
		// disconnect takes, since the insert fails on the dead context.
		s.rollbackBlob(backend, key)
		metrics.RecordUpload(0, false)
		logging.Error("record insert failed", zap.String("key", key), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, errInternal, "failed to record document")
		return
	}

	metrics.RecordUpload(written, true)
	logging.Info("document archived",
		zap.String("id", doc.ID),
		zap.String("name", doc.DisplayName),
		zap.String("provider", doc.StorageProvider),
		zap.Int64("size", doc.FileSize),
		zap.String("semester", semester),
		zap.String("type", docType),
		zap.String("subject", subject),
		zap.Int("year", year))

	record := s.recordFromRow(doc)
	s.publishFile(events.EventCreated, record)
	s.sendJSON(w, http.StatusCreated, record)
}

// rollbackBlob removes a stored blob after a later upload step failed.
// Runs on its own context; its failure is logged, never surfaced, so the
// caller's original error stays visible.
func (s *Server) rollbackBlob(backend storage.Backend, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := backend.DeleteObject(ctx, key); err != nil {
		logging.Warn("orphaned blob cleanup failed",
			zap.String("provider", backend.Provider()),
			zap.String("key", key),
			zap.Error(err))
	}
}
