// Package httpapi exposes the Control Surface: a loopback-only chi
// router standing in for the UI's transport, grounded on the
// teacher's ControlServer (chi router + concurrency-limiting
// middleware).
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"tachyondl/internal/config"
	"tachyondl/internal/model"
)

func newJobID() string { return uuid.NewString() }

// Controller is the narrow scheduler surface the Control Surface
// drives jobs through.
type Controller interface {
	Add(record model.JobRecord)
	Pause(jobID string)
	Resume(jobID string)
	Delete(jobID string)
	Snapshot() (active []model.JobRecord, finished []model.JobRecord)
}

// Server is the loopback-only JSON Control Surface.
type Server struct {
	logger     *slog.Logger
	controller Controller
	settings   *config.GlobalSettings
	router     *chi.Mux
	activeReqs int64
}

func New(logger *slog.Logger, controller Controller, settings *config.GlobalSettings) *Server {
	s := &Server{logger: logger, controller: controller, settings: settings, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := int64(4)
		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)
		if current > max {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loopbackOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host != "127.0.0.1" && host != "::1" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loopbackOnlyMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Get("/jobs", s.handleListJobs)
	s.router.Post("/jobs", s.handleAddJob)
	s.router.Post("/jobs/{id}/pause", s.handlePause)
	s.router.Post("/jobs/{id}/resume", s.handleResume)
	s.router.Delete("/jobs/{id}", s.handleDelete)
	s.router.Get("/settings", s.handleGetSettings)
	s.router.Put("/settings", s.handlePutSettings)
}

// Start binds the listener to 127.0.0.1:port and serves in the
// background. Caller is responsible for only invoking this when
// GlobalSettings.EnableControlSurface is true.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control surface bind failed: %w", err)
	}
	go func() {
		if err := http.Serve(ln, s.router); err != nil {
			s.logger.Error("control surface stopped", "error", err)
		}
	}()
	s.logger.Info("control surface listening", "addr", addr)
	return nil
}

type addJobRequest struct {
	URL             string `json:"url"`
	DestinationPath string `json:"destination_path"`
	FileName        string `json:"file_name"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	active, finished := s.controller.Snapshot()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"active":   active,
		"finished": finished,
	})
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req addJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	rec := model.JobRecord{
		JobID:           newJobID(),
		FileURL:         req.URL,
		DestinationPath: req.DestinationPath,
		FileName:        req.FileName,
		TotalSize:       -1,
		ThreadCount:     s.settings.ThreadConnections,
		Status:          model.StatusWaiting,
		Settings:        s.settings.Snapshot(),
	}
	s.controller.Add(rec)
	json.NewEncoder(w).Encode(map[string]string{"job_id": rec.JobID})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.controller.Pause(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.controller.Resume(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.controller.Delete(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.settings.Snapshot())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var snap model.GlobalSettingsSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.settings.Apply(snap)
	w.WriteHeader(http.StatusOK)
}
