// Package api exposes the polling HTTP surface: job submission, job
// status, queue status and GPU status. Handlers are thin; everything
// stateful lives in the store, the dispatchers and the GPU controller.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hazyhaar/ocrd/internal/gpu"
	"github.com/hazyhaar/ocrd/internal/queue"
	"github.com/hazyhaar/ocrd/internal/store"
)

// Options wires the server to its collaborators.
type Options struct {
	Store *store.Store
	GPU   *gpu.Controller
	OCR   *queue.Dispatcher
	Form  *queue.Dispatcher

	// DeployedEngine is reported by the health endpoint.
	DeployedEngine string

	AllowedExtensions []string
	AllowedMIMETypes  []string
	MaxFileSizeBytes  int64

	Logger *slog.Logger
}

// Server handles the HTTP API.
type Server struct {
	opts Options
	exts map[string]struct{}
	mime map[string]struct{}
}

// New creates a server. Validation sets are folded to lower case once.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts: opts,
		exts: make(map[string]struct{}, len(opts.AllowedExtensions)),
		mime: make(map[string]struct{}, len(opts.AllowedMIMETypes)),
	}
	for _, e := range opts.AllowedExtensions {
		s.exts[strings.ToLower(e)] = struct{}{}
	}
	for _, m := range opts.AllowedMIMETypes {
		s.mime[strings.ToLower(m)] = struct{}{}
	}
	return s
}

// Register mounts all routes on r.
func (s *Server) Register(r chi.Router) {
	r.Post("/ocr", s.handleSubmit(s.opts.OCR, queue.KindOCR, false))
	r.Post("/ocr/priority", s.handleSubmit(s.opts.OCR, queue.KindOCR, true))
	r.Post("/parse", s.handleSubmit(s.opts.Form, queue.KindFormParse, false))
	r.Post("/parse/priority", s.handleSubmit(s.opts.Form, queue.KindFormParse, true))

	r.Get("/ocr/status/{jobID}", s.handleStatus)
	r.Get("/parse/status/{jobID}", s.handleStatus)
	r.Get("/ocr/queue/status", s.handleQueueStatus(s.opts.OCR))
	r.Get("/parse/queue/status", s.handleQueueStatus(s.opts.Form))

	r.Get("/gpu/status", s.handleGPUStatus)
	r.Get("/health", s.handleHealth)
}

type submitResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

type statusResponse struct {
	Success  bool            `json:"success"`
	Status   store.Status    `json:"status"`
	Message  string          `json:"message"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result"`
}

type queueStatusResponse struct {
	Success   bool           `json:"success"`
	QueueInfo queue.Snapshot `json:"queue_info"`
	Message   string         `json:"message"`
}

type gpuStatusResponse struct {
	Success   bool      `json:"success"`
	GPUStatus gpu.Stats `json:"gpu_status"`
	Message   string    `json:"message"`
}

// handleSubmit validates the upload, then records and enqueues the job.
// Validation failures never create a job record.
func (s *Server) handleSubmit(d *queue.Dispatcher, kind queue.Kind, priority bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			s.invalidRequest(w, "missing file field")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, s.opts.MaxFileSizeBytes+1))
		if err != nil {
			s.invalidRequest(w, "unreadable file upload")
			return
		}
		if detail := s.validateUpload(header.Filename, header.Header.Get("Content-Type"), int64(len(data))); detail != "" {
			s.invalidRequest(w, detail)
			return
		}

		job := &queue.Job{
			ID:       uuid.Must(uuid.NewV7()).String(),
			Kind:     kind,
			Filename: header.Filename,
			Payload:  data,
			Priority: priority,
		}
		if kind == queue.KindFormParse {
			job.Prompt = r.FormValue("llm_prompt")
		}

		if err := d.Submit(r.Context(), job); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{
					Message:     "Service busy",
					ErrorDetail: "queue full",
				})
				return
			}
			s.opts.Logger.Error("submit failed", "kind", kind, "error", err)
			s.writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "Internal error"})
			return
		}

		s.writeJSON(w, http.StatusOK, submitResponse{
			Success: true,
			JobID:   job.ID,
			Message: "Job queued for processing",
		})
	}
}

// validateUpload returns an empty string when the upload is acceptable.
func (s *Server) validateUpload(filename, contentType string, size int64) string {
	if filename == "" {
		return "missing filename"
	}
	if size == 0 {
		return "empty file"
	}
	if size > s.opts.MaxFileSizeBytes {
		return fmt.Sprintf("file exceeds %d bytes", s.opts.MaxFileSizeBytes)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := s.exts[ext]; !ok {
		return fmt.Sprintf("file extension %q not allowed", ext)
	}
	// Strip any parameters, e.g. "image/png; charset=binary".
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if _, ok := s.mime[contentType]; !ok {
		return fmt.Sprintf("content type %q not allowed", contentType)
	}
	return ""
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	rec, err := s.opts.Store.Get(r.Context(), id)
	if err != nil {
		s.opts.Logger.Error("status lookup failed", "job_id", id, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "Internal error"})
		return
	}
	if rec == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Message: "Job ID not found"})
		return
	}

	switch rec.Status {
	case store.StatusCompleted:
		s.writeJSON(w, http.StatusOK, statusResponse{
			Success:  true,
			Status:   rec.Status,
			Message:  "Job completed successfully",
			Progress: 100,
			Result:   rec.Result,
		})
	case store.StatusError:
		s.writeJSON(w, http.StatusOK, statusResponse{
			Status:  rec.Status,
			Message: rec.Error,
		})
	default: // pending, processing
		s.writeJSON(w, http.StatusOK, statusResponse{
			Success:  true,
			Status:   rec.Status,
			Message:  "Job is still processing",
			Progress: rec.Progress,
		})
	}
}

func (s *Server) handleQueueStatus(d *queue.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := d.Status()
		s.writeJSON(w, http.StatusOK, queueStatusResponse{
			Success:   true,
			QueueInfo: snap,
			Message:   fmt.Sprintf("%d active, %d pending", snap.ActiveJobs, snap.TotalPending),
		})
	}
}

func (s *Server) handleGPUStatus(w http.ResponseWriter, r *http.Request) {
	st := s.opts.GPU.Stats()
	s.writeJSON(w, http.StatusOK, gpuStatusResponse{
		Success:   true,
		GPUStatus: st,
		Message:   fmt.Sprintf("GPU: %d/%d workers active", st.ActiveCount, st.MaxConcurrent),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"deployed_engine": s.opts.DeployedEngine,
	})
}

func (s *Server) invalidRequest(w http.ResponseWriter, detail string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{
		Message:     "Invalid request",
		ErrorDetail: detail,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.opts.Logger.Error("write response", "error", err)
	}
}
