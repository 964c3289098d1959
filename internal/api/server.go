// Package api exposes the job supervisor over HTTP: launching downloads,
// inspecting and canceling jobs, replaying job logs and the WebSocket
// output stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/log"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/service"
)

const maxBody = 64 << 10

// Supervisor is the part of service.Supervisor used by the handlers.
type Supervisor interface {
	Launch(ctx context.Context, url, outputDir string) (model.Job, error)
	Cancel(ctx context.Context, id string) error
	Job(id string) (model.Job, error)
	Jobs() []model.Job
	OpenLog(id string) (io.ReadCloser, error)
}

// DownloadRequest is the body of POST /api/download. An empty OutputDir
// selects the configured default.
type DownloadRequest struct {
	URL       string `json:"url"`
	OutputDir string `json:"outputDir,omitempty"`
}

// DownloadResponse is returned with 202 Accepted once the job started.
type DownloadResponse struct {
	Message   string `json:"message"`
	JobID     string `json:"jobId"`
	ProcessID int    `json:"processId"`
	LogPath   string `json:"logPath"`
	OutputDir string `json:"outputDir"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Message string `json:"message"`
}

type server struct {
	supervisor Supervisor
}

// NewHandler routes the HTTP API. stream serves GET /ws and is usually a
// broadcast.Handler.
func NewHandler(supervisor Supervisor, stream http.Handler) http.Handler {
	s := server{supervisor: supervisor}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/ws", stream)

	r.Route("/api", func(r chi.Router) {
		// every method is routed here to answer 405 with Allow: POST
		r.HandleFunc("/download", s.download)
		r.Get("/jobs", s.listJobs)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Delete("/", s.cancelJob)
			r.Get("/log", s.jobLog)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.DebugContext(ctx, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r.WithContext(ctx))
	})
}

func (s server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s server) download(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
		return
	}

	var req DownloadRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, err := s.supervisor.Launch(r.Context(), req.URL, req.OutputDir)
	if err != nil {
		slog.WarnContext(r.Context(), "download rejected", "url", req.URL, "error", err)
		writeError(w, launchStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, DownloadResponse{
		Message:   "Download started",
		JobID:     job.ID,
		ProcessID: job.PID,
		LogPath:   job.LogPath,
		OutputDir: job.OutputDir,
	})
}

// launchStatus maps Launch failures: user errors are 400, environment
// errors 500.
func launchStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrDirectoryUnwritable):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.Jobs())
}

func (s server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.supervisor.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, jobStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.supervisor.Cancel(r.Context(), id); err != nil {
		writeError(w, jobStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "Cancel requested",
		"jobId":   id,
	})
}

func (s server) jobLog(w http.ResponseWriter, r *http.Request) {
	rc, err := s.supervisor.OpenLog(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, jobStatus(err), err.Error())
		return
	}
	defer func() {
		_ = rc.Close()
	}()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.DebugContext(r.Context(), "streaming job log", "error", err)
	}
}

func jobStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrJobFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Message: msg})
}
