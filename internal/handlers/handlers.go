// Package handlers provides the HTTP API for submitting and inspecting
// extraction jobs.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/job"
	"github.com/Rorqualx/scrollharvest/internal/middleware"
	"github.com/Rorqualx/scrollharvest/internal/types"
	"github.com/Rorqualx/scrollharvest/pkg/version"
)

const (
	maxBodySize         = 64 << 10
	defaultRecordsLimit = 100
	maxRecordsLimit     = 5000
)

// Service is the job submission API the handlers expose.
// *job.Manager implements it.
type Service interface {
	Submit(ctx context.Context, req job.Request) (string, error)
	Cancel(jobID string) error
	Status(ctx context.Context, jobID string) (job.Job, error)
	Running() []job.Job
	Records(ctx context.Context, jobID string, limit int) ([]extract.Record, error)
	PoolStatus(platform string) (browser.PoolStatus, error)
	PoolStatuses() []browser.PoolStatus
}

// Handler serves the job API.
type Handler struct {
	svc     Service
	started time.Time
}

// New creates a Handler over svc.
func New(svc Service) *Handler {
	return &Handler{svc: svc, started: time.Now()}
}

// HandleHealth reports liveness and the number of tracked jobs.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.NewHealthResponse(version.Full(), len(h.svc.Running()), h.started))
}

// HandleSubmit admits a job and answers 202 with its id.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var req types.SubmitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode submit request")
		middleware.WriteError(w, http.StatusBadRequest, "Invalid JSON request")
		return
	}
	if err := req.Validate(); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.svc.Submit(r.Context(), job.Request{
		Platform: req.Platform,
		Target:   req.Target,
		Options:  req.Options,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, types.SubmitResponse{JobID: id, Status: string(job.StatusCreated)})
}

// HandleListJobs returns every tracked job.
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Running())
}

// HandleGetJob returns a live or stored job.
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// HandleCancel cancels a tracked job.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := h.svc.Cancel(id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CancelResponse{JobID: id, Cancelled: true})
}

// HandleRecords lists stored records of a job, capped by ?limit=.
func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecordsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			middleware.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecordsLimit)
	}

	id := chi.URLParam(r, "jobID")
	if _, err := h.svc.Status(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	records, err := h.svc.Records(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []extract.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// HandlePools returns the status of every session pool.
func (h *Handler) HandlePools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.PoolStatuses())
}

// HandlePool returns one platform's pool status.
func (h *Handler) HandlePool(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.PoolStatus(chi.URLParam(r, "platform"))
	if err != nil {
		if errors.Is(err, types.ErrUnknownPlatform) {
			middleware.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleNotFound answers unknown routes.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, http.StatusNotFound, "Not found")
}

// HandleMethodNotAllowed answers known routes with the wrong method.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnknownPlatform), errors.Is(err, types.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
		msg = "Internal server error"
	}
	middleware.WriteError(w, status, msg)
}

// writeJSON encodes into a pooled buffer first so an encoding failure can
// still produce a clean 500.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		middleware.WriteError(w, http.StatusInternalServerError, "internal encoding error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}
