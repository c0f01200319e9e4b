package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/ga4-ingest/internal/dispatch"
	"github.com/stanstork/ga4-ingest/internal/ingest"
	"github.com/stanstork/ga4-ingest/internal/models"
	"github.com/stanstork/ga4-ingest/internal/modes"
	"github.com/stanstork/ga4-ingest/internal/repository"
	"github.com/stanstork/ga4-ingest/internal/temporal"
)

type TaskQueue interface {
	Enqueue(ctx context.Context, payload dispatch.TaskPayload) error
	Fetch(ctx context.Context, jobID string) (*temporal.QueueStatus, error)
}

type IngestHandler struct {
	jobs    repository.JobRepository
	queue   TaskQueue
	catalog *modes.Catalog
	logger  zerolog.Logger
	newID   func() string
	now     func() time.Time
}

func NewIngestHandler(jobs repository.JobRepository, queue TaskQueue, catalog *modes.Catalog, logger zerolog.Logger) *IngestHandler {
	if catalog == nil {
		catalog = modes.Default()
	}
	return &IngestHandler{
		jobs:    jobs,
		queue:   queue,
		catalog: catalog,
		logger:  logger.With().Str("handler", "ingest").Logger(),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

type runRequest struct {
	Mode      string `json:"mode"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type jobStatusResponse struct {
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"`
	DateRange  *string    `json:"date_range"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at"`
	Error      string     `json:"error,omitempty"`
}

// Run validates the request, records a queued job and enqueues it.
func (h *IngestHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if strings.TrimSpace(req.Mode) == "" {
		req.Mode = string(modes.Combined)
	}

	mode, _, err := ingest.ValidateRequest(req.Mode, req.StartDate, req.EndDate)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	now := h.now().UTC()
	job := models.Job{
		ID:        h.newID(),
		Mode:      string(mode),
		StartDate: optional(req.StartDate),
		EndDate:   optional(req.EndDate),
		Status:    models.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	job, err = h.jobs.Create(r.Context(), job)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to create job")
		writeError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	payload := dispatch.NewTaskPayload(job.Mode, req.StartDate, req.EndDate, job.ID)
	if err := h.queue.Enqueue(r.Context(), payload); err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to enqueue job")
		// the client may be gone; the job must not stay queued without a task
		markCtx := context.WithoutCancel(r.Context())
		if mErr := h.jobs.MarkFailed(markCtx, job.ID, err.Error()); mErr != nil {
			h.logger.Error().Err(mErr).Str("job_id", job.ID).Msg("failed to mark job as failed")
		}
		writeError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	h.logger.Info().Str("job_id", job.ID).Str("mode", job.Mode).Msg("job enqueued")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "GA run enqueued",
		"job_id":  job.ID,
		"status":  string(models.JobStatusQueued),
	})
}

// Status answers from the queue first and falls back to the job store.
func (h *IngestHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(mux.Vars(r)["job_id"])
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	status, err := h.queue.Fetch(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, status)
		return
	case !errors.Is(err, temporal.ErrNotTracked):
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("queue lookup failed, falling back to job store")
	}

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job_not_found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to load job")
		writeError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:      job.ID,
		Status:     string(job.Status),
		DateRange:  job.DateRange(),
		EnqueuedAt: job.CreatedAt,
		StartedAt:  job.StartedAt,
		EndedAt:    job.CompletedAt,
		Error:      job.Error,
	})
}

// Counts reports configured dimension and metric cardinalities.
func (h *IngestHandler) Counts(w http.ResponseWriter, r *http.Request) {
	mode, err := modes.ParseCountsMode(strings.TrimSpace(r.URL.Query().Get("mode")))
	if err != nil {
		writeValidationError(w, err)
		return
	}

	counts := h.catalog.Counts(mode)
	switch mode {
	case modes.Combined:
		writeJSON(w, http.StatusOK, counts.Combined)
	case modes.Mapped:
		writeJSON(w, http.StatusOK, counts.Mapped)
	default:
		writeJSON(w, http.StatusOK, counts)
	}
}

func writeValidationError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	var vErr *ingest.ValidationError
	if errors.As(err, &vErr) {
		body["field"] = vErr.Field
	}
	var mErr *modes.InvalidModeError
	if errors.As(err, &mErr) {
		body["field"] = "mode"
	}
	writeJSON(w, http.StatusBadRequest, body)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
