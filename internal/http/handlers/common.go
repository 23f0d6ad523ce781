package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/iago/download-jobs/internal/domain"
	"github.com/iago/download-jobs/internal/http/middleware"
	"github.com/iago/download-jobs/internal/service"
)

const maxRequestBodyBytes = 64 << 10

var errInvalidPayload = errors.New("invalid payload")

// ArtifactFiles serves finished artifacts behind signed links.
type ArtifactFiles interface {
	VerifyAccessLink(ref, expires, signature string) error
	Open(ref string) (*os.File, error)
}

type API struct {
	jobs      *service.JobsService
	artifacts ArtifactFiles
	logger    *log.Logger
}

func NewAPI(jobs *service.JobsService, artifacts ArtifactFiles, logger *log.Logger) *API {
	return &API{
		jobs:      jobs,
		artifacts: artifacts,
		logger:    logger,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	JobID     string `json:"job_id,omitempty"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeErrorPayload(w, r, statusCode, code, message, "")
}

func writeErrorPayload(w http.ResponseWriter, r *http.Request, statusCode int, code, message, jobID string) {
	payload := errorPayload{
		JobID:     jobID,
		RequestID: middleware.GetRequestID(r.Context()),
	}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps Job Manager errors onto the HTTP surface. Anything
// unclassified is logged and reported as an opaque 500.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, string(domain.ErrorKindInvalidInput), err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, string(domain.ErrorKindNotFound), "job not found")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, r, http.StatusConflict, string(domain.ErrorKindConflict), "job is already in a terminal state")
	default:
		if api.logger != nil {
			api.logger.Printf("request failed request_id=%s path=%s err=%v", middleware.GetRequestID(r.Context()), r.URL.Path, err)
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "not_found", "route not found")
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
