package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iago/download-jobs/internal/domain"
	"github.com/iago/download-jobs/internal/http/middleware"
	"github.com/iago/download-jobs/internal/service"
)

// Suggested client poll interval for jobs that are still running.
const pollRetryAfterSeconds = "2"

type createJobRequest struct {
	FileIDs        []int64 `json:"file_ids"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

type createJobResponse struct {
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	StatusURL string           `json:"status_url"`
}

type progressResponse struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type resultResponse struct {
	AccessURL string    `json:"access_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type jobErrorResponse struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

type jobResponse struct {
	JobID          string            `json:"job_id"`
	Status         domain.JobStatus  `json:"status"`
	FileIDs        []int64           `json:"file_ids"`
	Progress       progressResponse  `json:"progress"`
	Result         *resultResponse   `json:"result,omitempty"`
	Error          *jobErrorResponse `json:"error,omitempty"`
	AttemptCount   int               `json:"attempt_count"`
	ClaimedBy      string            `json:"claimed_by,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func newJobResponse(job *domain.Job) jobResponse {
	response := jobResponse{
		JobID:          job.ID,
		Status:         job.Status,
		FileIDs:        job.FileIDs,
		Progress:       progressResponse{Current: job.Progress.Current, Total: job.Progress.Total},
		AttemptCount:   job.AttemptCount,
		ClaimedBy:      job.ClaimedBy,
		IdempotencyKey: job.IdempotencyKey,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if job.Result != nil {
		response.Result = &resultResponse{AccessURL: job.Result.AccessURL, ExpiresAt: job.Result.ExpiresAt}
	}
	if job.Error != nil {
		response.Error = &jobErrorResponse{Kind: job.Error.Kind, Message: job.Error.Message}
	}
	return response
}

func (api *API) CreateJob(w http.ResponseWriter, r *http.Request) {
	var request createJobRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, string(domain.ErrorKindInvalidInput), "invalid JSON payload")
		return
	}

	key := strings.TrimSpace(request.IdempotencyKey)
	if header := strings.TrimSpace(r.Header.Get("Idempotency-Key")); header != "" {
		if key != "" && key != header {
			writeError(w, r, http.StatusBadRequest, string(domain.ErrorKindInvalidInput), "Idempotency-Key header and idempotency_key differ")
			return
		}
		key = header
	}

	job, created, err := api.jobs.CreateJob(r.Context(), service.CreateJobInput{
		FileIDs:        request.FileIDs,
		IdempotencyKey: key,
		TraceID:        middleware.GetTraceID(r.Context()),
	})
	if err != nil {
		if errors.Is(err, domain.ErrEnqueue) && job != nil {
			w.Header().Set("Retry-After", "5")
			writeErrorPayload(w, r, http.StatusServiceUnavailable, string(domain.ErrorKindEnqueue), "job could not be scheduled, please retry", job.ID)
			return
		}
		api.writeServiceError(w, r, err)
		return
	}

	statusURL := "/v1/jobs/" + job.ID
	w.Header().Set("Location", statusURL)
	statusCode := http.StatusCreated
	if !created {
		statusCode = http.StatusOK
	}
	writeJSON(w, statusCode, createJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: statusURL,
	})
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := api.jobs.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if !job.Status.Terminal() {
		w.Header().Set("Retry-After", pollRetryAfterSeconds)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.jobs.CancelJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}
