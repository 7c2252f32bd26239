// Package server is the HTTP boundary: request decoding, status-code
// mapping for classified errors, slot-backed file serving and health
// reporting. All policy lives below it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"

	"go-ytfetch-service/internal/classify"
	"go-ytfetch-service/internal/jobstore"
	"go-ytfetch-service/internal/models"
	"go-ytfetch-service/internal/stats"
)

// Downloader is the slice of the orchestrator the server calls.
type Downloader interface {
	Download(ctx context.Context, req models.DownloadRequest) (*models.DownloadResponse, *classify.Error)
	Probe(ctx context.Context, req models.InfoRequest) (*models.InfoResponse, *classify.Error)
}

// SlotResolver is the slice of the job store the server calls.
type SlotResolver interface {
	Resolve(jobID, filename string) (*jobstore.Slot, error)
	DiskUsagePercent() float64
}

// Server wires the HTTP routes to the orchestrator and job store.
type Server struct {
	orc            Downloader
	store          SlotResolver
	stats          *stats.Stats
	version        string
	allowedOrigins []string
}

func New(orc Downloader, store SlotResolver, st *stats.Stats, version string, allowedOrigins []string) *Server {
	return &Server{
		orc:            orc,
		store:          store,
		stats:          st,
		version:        version,
		allowedOrigins: allowedOrigins,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/download", s.handleDownload)
	mux.HandleFunc("POST /api/v1/info", s.handleInfo)
	mux.HandleFunc("GET /downloads/{jobID}/{filename}", s.handleServeFile)
	return s.cors(mux)
}

// cors answers preflights and stamps the allow-origin header on every
// response. An empty allow-list disables CORS entirely.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

// writeClassified maps a classified error onto the wire: permanent
// kinds are the caller's fault, transient kinds are the server's, and
// transient responses carry a Retry-After hint.
func writeClassified(w http.ResponseWriter, cerr *classify.Error) {
	status := http.StatusInternalServerError
	if classify.Permanent(cerr.Kind) {
		status = http.StatusBadRequest
	}
	if cerr.Transient && cerr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(cerr.RetryAfterSeconds))
	}
	writeJSON(w, status, models.ErrorResponse{Error: cerr})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{
			Error: &classify.Error{Kind: classify.KindServerError, Message: "not found"},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "video download service",
		"version": s.version,
		"endpoints": []string{
			"POST /api/v1/download",
			"POST /api/v1/info",
			"GET /api/v1/health",
			"GET /downloads/{job_id}/{filename}",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	total, active, failed := s.stats.Snapshot()
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:        "healthy",
		Version:       s.version,
		UptimeSeconds: s.stats.Uptime().Seconds(),
		Stats: models.HealthStats{
			TotalDownloads:   total,
			ActiveDownloads:  active,
			FailedDownloads:  failed,
			DiskUsagePercent: s.store.DiskUsagePercent(),
		},
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req models.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeClassified(w, classify.NewInvalidURL("request body is not valid JSON"))
		return
	}

	resp, cerr := s.orc.Download(r.Context(), req)
	if cerr != nil {
		writeClassified(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req models.InfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeClassified(w, classify.NewInvalidURL("request body is not valid JSON"))
		return
	}

	resp, cerr := s.orc.Probe(r.Context(), req)
	if cerr != nil {
		writeClassified(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleServeFile answers 404 for slots that never existed (or were
// already reclaimed) and 410 for slots whose expiry has passed but
// which the sweeper has not yet removed.
func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	filename := r.PathValue("filename")

	slot, err := s.store.Resolve(jobID, filename)
	switch {
	case errors.Is(err, jobstore.ErrExpired):
		writeJSON(w, http.StatusGone, models.ErrorResponse{
			Error: &classify.Error{Kind: classify.KindVideoUnavailable, Message: "download link expired"},
		})
		return
	case err != nil:
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{
			Error: &classify.Error{Kind: classify.KindVideoUnavailable, Message: "file not found"},
		})
		return
	}

	// Expiring content must never be cached downstream.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if slot.Checksum != "" {
		w.Header().Set("X-Checksum-Blake3", slot.Checksum)
	}
	http.ServeFile(w, r, filepath.Join(slot.Dir, slot.Filename))
}
