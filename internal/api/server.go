// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/annales/annales/internal/auth"
	"github.com/annales/annales/internal/config"
	"github.com/annales/annales/internal/events"
	"github.com/annales/annales/internal/logging"
	"github.com/annales/annales/internal/metadata/postgres"
	"github.com/annales/annales/internal/metrics"
	"github.com/annales/annales/internal/storage"
)

// Stable error kinds. Clients dispatch on these strings, so they never
// change even when the human-readable message does.
const (
	errValidation      = "ValidationError"
	errUnsupportedType = "UnsupportedMediaType"
	errPayloadTooLarge = "PayloadTooLarge"
	errStorageWrite    = "StorageWriteError"
	errStorageGone     = "StorageUnavailable"
	errNotFound        = "NotFoundError"
	errRange           = "RangeNotSatisfiableError"
	errInternal        = "InternalError"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`bytes=(\d*)-(\d*)`)

// Server is the HTTP server.
type Server struct {
	store       *postgres.Store
	router      *storage.Router
	auth        *auth.Auth
	broadcaster *events.Broadcaster

	maxUploadSize  int64
	allowedOrigins []string
	publicBaseURL  string
}

// NewServer creates a new server.
func NewServer(store *postgres.Store, router *storage.Router, authHandler *auth.Auth, broadcaster *events.Broadcaster, cfg *config.Config) *Server {
	return &Server{
		store:          store,
		router:         router,
		auth:           authHandler,
		broadcaster:    broadcaster,
		maxUploadSize:  cfg.MaxUploadSize,
		allowedOrigins: cfg.AllowedOrigins,
		publicBaseURL:  cfg.PublicBaseURL,
	}
}

// Handler returns the HTTP handler with auth, CORS, metrics and logging
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.auth.Enabled() {
		mux.HandleFunc("POST /api/auth/login", s.auth.HandleLogin)
	}

	// Read endpoints (always public)
	mux.HandleFunc("GET /api/files", s.handleListFiles)
	mux.HandleFunc("GET /api/files/{fileID}", s.handleGetFile)
	mux.HandleFunc("GET /api/files/{fileID}/view", s.handleView)
	mux.HandleFunc("GET /api/files/{fileID}/download", s.handleDownload)

	// Classification listing endpoints
	mux.HandleFunc("GET /api/semesters", s.handleListSemesters)
	mux.HandleFunc("GET /api/types", s.handleListTypes)
	mux.HandleFunc("GET /api/subjects", s.handleListSubjects)
	mux.HandleFunc("GET /api/years", s.handleListYears)

	// SSE endpoint
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// Mutating endpoints, wrapped with auth when a secret is configured
	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/upload", s.handleUpload)
	protected.HandleFunc("PUT /api/files/{fileID}", s.handleUpdate)
	protected.HandleFunc("DELETE /api/files/{fileID}", s.handleDelete)
	mux.Handle("/api/", s.auth.Middleware(protected))

	// Metrics middleware must wrap the mux directly so it sees the
	// routed pattern; logging stays outermost to cover everything.
	return logging.Middleware(s.corsMiddleware(metrics.Middleware(mux)))
}

// ─── Middleware ─────────────────────────────────────────────────────────────

// corsMiddleware stamps allowed origins on responses and short-circuits
// preflight requests before they reach the method-routed mux.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, Content-Range, Accept-Ranges")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Range")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbOK := s.store.DB().PingContext(ctx) == nil

	// Probing a key that cannot exist exercises the backend's read path
	// without touching real data.
	active := s.router.Active()
	_, err := active.ObjectExists(ctx, uuid.NewString())
	storageOK := err == nil

	status := "ok"
	code := http.StatusOK
	if !dbOK || !storageOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, map[string]interface{}{
		"status":   status,
		"database": dbOK,
		"storage":  storageOK,
		"backend":  active.Provider(),
	})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, errInternal, "streaming not supported")
		return
	}

	// Subscribing before the headers go out means a client that has
	// received them is guaranteed to see subsequent events.
	sub := s.broadcaster.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// publishFile broadcasts a committed mutation with the record exactly as
// the REST responses serialize it.
func (s *Server) publishFile(eventType string, record fileRecord) {
	if s.broadcaster == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return
	}
	s.broadcaster.Publish(events.Event{Type: eventType, File: payload})
}

// ─── Records ────────────────────────────────────────────────────────────────

// fileRecord is the JSON shape of an archived document. The storage key
// stays internal; callers address content through the URLs.
type fileRecord struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"displayName"`
	OriginalName    string    `json:"originalName"`
	MimeType        string    `json:"mimeType"`
	FileSize        int64     `json:"fileSize"`
	PageCount       int       `json:"pageCount,omitempty"`
	StorageProvider string    `json:"storageProvider"`
	Semester        string    `json:"semester"`
	Type            string    `json:"type"`
	Subject         string    `json:"subject"`
	Year            int       `json:"year"`
	UploadedAt      time.Time `json:"uploadedAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	ViewURL         string    `json:"viewUrl"`
	DownloadURL     string    `json:"downloadUrl"`
}

func (s *Server) recordFromRow(d *postgres.DocumentRow) fileRecord {
	return fileRecord{
		ID:              d.ID,
		DisplayName:     d.DisplayName,
		OriginalName:    d.OriginalName,
		MimeType:        d.MimeType,
		FileSize:        d.FileSize,
		PageCount:       d.PageCount,
		StorageProvider: d.StorageProvider,
		Semester:        d.Semester,
		Type:            d.DocType,
		Subject:         d.Subject,
		Year:            d.Year,
		UploadedAt:      d.UploadedAt,
		UpdatedAt:       d.UpdatedAt,
		ViewURL:         s.publicBaseURL + "/api/files/" + d.ID + "/view",
		DownloadURL:     s.publicBaseURL + "/api/files/" + d.ID + "/download",
	}
}

// ─── Range parsing ──────────────────────────────────────────────────────────

// parseRangeHeader interprets a Range header against the blob's total
// size. hasRange reports whether a byte range was requested; ok=false
// means no byte of the request lies inside the blob and the response
// must be 416. Headers this server cannot parse are ignored and the full
// body is served, per RFC 7233.
func parseRangeHeader(header string, totalSize int64) (offset, length int64, hasRange, ok bool) {
	if header == "" {
		return 0, totalSize, false, true
	}
	m := rangeRegex.FindStringSubmatch(header)
	if m == nil {
		return 0, totalSize, false, true
	}
	if totalSize <= 0 {
		return 0, 0, true, false
	}
	startStr, endStr := m[1], m[2]

	// Suffix form "bytes=-N": the final N bytes.
	if startStr == "" {
		if endStr == "" {
			return 0, totalSize, false, true
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, true, false
		}
		if suffix > totalSize {
			suffix = totalSize
		}
		return totalSize - suffix, suffix, true, true
	}

	var err error
	offset, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, totalSize, false, true
	}
	if offset >= totalSize {
		return 0, 0, true, false
	}
	if endStr == "" {
		return offset, totalSize - offset, true, true
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < offset {
		return 0, totalSize, false, true
	}
	if end > totalSize-1 {
		end = totalSize - 1
	}
	return offset, end - offset + 1, true, true
}

// ─── Responses ──────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) sendError(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   kind,
		"message": message,
	})
}
