package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/iago/history-synth/internal/domain"
	"github.com/iago/history-synth/internal/queue"
	"github.com/iago/history-synth/internal/repository"
	"github.com/iago/history-synth/internal/service"
)

const overloadRetryAfterSeconds = "30"

func (api *API) Jobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey != "" && (len(idempotencyKey) < 16 || len(idempotencyKey) > 128) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key must be 16 to 128 characters")
		return
	}

	var request submitJobRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	payloadHash := hashPayload(request)
	if idempotencyKey != "" {
		record, owner, err := api.idempotency.Reserve(r.Context(), idempotencyKey, payloadHash)
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "request_cancelled", "request cancelled while waiting on Idempotency-Key")
			return
		}
		if !owner {
			api.replay(w, r, record, payloadHash)
			return
		}
	}

	job, err := api.jobsService.Submit(r.Context(), service.SubmitRequest{
		OwnerID:      request.OwnerID,
		Instructions: request.Instructions,
		Callback: domain.CallbackHandle{
			ChatID:    request.Callback.ChatID,
			MessageID: request.Callback.MessageID,
		},
	})
	if idempotencyKey != "" {
		if err == nil {
			api.idempotency.Complete(idempotencyKey, job.ID)
		} else {
			api.idempotency.Release(idempotencyKey)
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, service.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, "invalid_request", strings.TrimPrefix(err.Error(), service.ErrInvalidRequest.Error()+": "))
		return
	case errors.Is(err, queue.ErrSaturated), errors.Is(err, queue.ErrPoolClosed):
		w.Header().Set("Retry-After", overloadRetryAfterSeconds)
		writeError(w, r, http.StatusServiceUnavailable, "overloaded", "the service is busy, try again later")
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to create job")
		return
	}

	writeAccepted(w, job)
}

func (api *API) replay(w http.ResponseWriter, r *http.Request, record idempotencyRecord, payloadHash uint64) {
	if record.PayloadHash != payloadHash {
		writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
		return
	}
	job, err := api.jobsService.GetJob(r.Context(), record.JobID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job for Idempotency-Key")
		return
	}
	writeAccepted(w, job)
}

func writeAccepted(w http.ResponseWriter, job *domain.Job) {
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"status_url":  "/v1/jobs/" + job.ID,
		"accepted_at": job.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	job, err := api.jobsService.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}

	response := map[string]any{
		"job_id":     job.ID,
		"owner_id":   job.OwnerID,
		"status":     job.Status,
		"callback":   job.Callback,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.CompletedAt != nil {
		response["completed_at"] = job.CompletedAt
	}
	if job.Error != nil {
		response["error"] = map[string]any{
			"code":    job.Error.Code,
			"message": job.Error.Message,
		}
	}

	writeJSON(w, http.StatusOK, response)
}
