package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/iago/history-synth/internal/domain"
	"github.com/iago/history-synth/internal/http/middleware"
	"github.com/iago/history-synth/internal/service"
)

var errInvalidPayload = errors.New("invalid payload")

const (
	maxRequestBodyBytes = 16 * 1024
	idempotencyTTL      = 24 * time.Hour
)

type JobsService interface {
	Submit(ctx context.Context, request service.SubmitRequest) (*domain.Job, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
}

// HealthReporter adds component details to the health response.
type HealthReporter func() map[string]any

type API struct {
	jobsService JobsService
	health      HealthReporter
	idempotency *idempotencyStore
}

func NewAPI(jobsService JobsService, health HealthReporter) *API {
	return &API{
		jobsService: jobsService,
		health:      health,
		idempotency: newIdempotencyStore(),
	}
}

type callbackRef struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

type submitJobRequest struct {
	OwnerID      string      `json:"owner_id"`
	Instructions string      `json:"instructions"`
	Callback     callbackRef `json:"callback"`
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
