// Package api exposes the vault over HTTP: the authenticated /v1 management
// and upload API, public share links under /s, signed blob downloads and
// the metrics and health endpoints.
package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/filevault/filevault/internal/batch"
	"github.com/filevault/filevault/internal/logging/audit"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/share"
	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/upload"
	"github.com/filevault/filevault/internal/versions"
	"github.com/filevault/filevault/pkg/proto"
)

// Config tunes the HTTP surface.
type Config struct {
	// AdminToken protects /v1 with a bearer token when set.
	AdminToken        string
	DefaultVaultQuota int64
	MetricsEnabled    bool
	Version           string
}

// Services are the components the API drives. Events and Blobs may be nil.
type Services struct {
	Store    store.Store
	Ledger   *quota.Ledger
	Uploads  *upload.Manager
	Versions *versions.Service
	Shares   *share.Service
	Batch    *batch.Executor
	Events   http.Handler // websocket invalidation feed
	Blobs    http.Handler // serves signed blob URLs
	Metrics  *metrics.VaultMetrics
	Audit    *audit.Logger
}

// Server routes API requests.
type Server struct {
	cfg Config
	Services
	mux *http.ServeMux
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg Config, svc Services) *Server {
	s := &Server{cfg: cfg, Services: svc, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handlerFunc is an API handler. A returned error is written as a JSON error.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, proto.HealthResponse{Status: "ok", Version: s.cfg.Version})
	})
	if s.cfg.MetricsEnabled {
		s.mux.Handle("GET /metrics", metrics.Handler())
	}
	if s.Blobs != nil {
		s.mux.Handle("GET /blob/", s.Blobs)
	}
	if s.Events != nil {
		// Not instrumented: the upgrade needs the original ResponseWriter.
		s.mux.Handle("GET /v1/events", s.withAdminAuth(s.Events))
	}

	s.admin("POST /v1/vaults", "CreateVault", s.handleCreateVault)
	s.admin("GET /v1/vaults/{vault}", "GetVault", s.handleGetVault)
	s.admin("GET /v1/vaults/{vault}/usage", "VaultUsage", s.handleVaultUsage)
	s.admin("POST /v1/vaults/{vault}/folders", "CreateFolder", s.handleCreateFolder)
	s.admin("GET /v1/vaults/{vault}/folders", "ListFolders", s.handleListFolders)
	s.admin("GET /v1/vaults/{vault}/files", "ListFiles", s.handleListFiles)
	s.admin("POST /v1/vaults/{vault}/batch", "Batch", s.handleBatch)
	s.admin("GET /v1/vaults/{vault}/shares", "ListShares", s.handleListShares)

	s.admin("GET /v1/files/{id}", "GetFile", s.handleGetFile)
	s.admin("GET /v1/files/{id}/versions", "ListVersions", s.handleListVersions)
	s.admin("GET /v1/files/{id}/versions/{version}/content", "GetVersionContent", s.handleVersionContent)
	s.admin("POST /v1/files/{id}/versions/{version}/restore", "RestoreVersion", s.handleRestoreVersion)

	s.admin("POST /v1/uploads", "OpenUpload", s.handleOpenUpload)
	s.admin("GET /v1/uploads/{id}", "UploadStatus", s.handleUploadStatus)
	s.admin("PUT /v1/uploads/{id}/chunks/{index}", "PutChunk", s.handlePutChunk)
	s.admin("POST /v1/uploads/{id}/complete", "CompleteUpload", s.handleCompleteUpload)
	s.admin("DELETE /v1/uploads/{id}", "CancelUpload", s.handleCancelUpload)

	s.admin("POST /v1/shares", "CreateShare", s.handleCreateShare)
	s.admin("DELETE /v1/shares/{id}", "DeleteShare", s.handleDeleteShare)

	s.public("GET /s/{code}", "ResolveShare", s.handleResolveShare)
	s.public("POST /s/{code}/download", "ShareDownload", s.handleShareDownload)
	s.public("GET /s/{code}/qr.png", "ShareQRCode", s.handleShareQRCode)
}

func (s *Server) admin(pattern, op string, h handlerFunc) {
	s.mux.Handle(pattern, s.instrument(op, true, h))
}

func (s *Server) public(pattern, op string, h handlerFunc) {
	s.mux.Handle(pattern, s.instrument(op, false, h))
}

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Note: Not thread-safe. Must only be used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// instrument records request metrics, enforces admin auth and writes errors.
func (s *Server) instrument(op string, auth bool, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			s.Metrics.RecordRequest(op, strconv.Itoa(rec.getStatus()), time.Since(start).Seconds())
		}()

		if auth && !s.checkAdminAuth(rec, r) {
			return
		}
		if err := h(rec, r); err != nil {
			writeError(rec, r, err)
		}
	})
}

func (s *Server) withAdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAdminAuth(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkAdminAuth verifies the bearer token and returns false if auth failed (response already sent).
func (s *Server) checkAdminAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return true
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		s.Audit.LogAuth("bearer", "denied", "missing token", clientIP(r))
		w.Header().Set("WWW-Authenticate", `Bearer realm="filevault"`)
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return false
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
		s.Audit.LogAuth("bearer", "denied", "invalid token", clientIP(r))
		w.Header().Set("WWW-Authenticate", `Bearer realm="filevault"`)
		jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
