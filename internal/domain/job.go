package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusCreated    JobStatus = "CREATED"
	JobStatusFetching   JobStatus = "FETCHING"
	JobStatusFetched    JobStatus = "FETCHED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusDone       JobStatus = "DONE"
	JobStatusFailed     JobStatus = "FAILED"

	// JobStatusRetryPending is reserved. No edge enters or leaves it.
	JobStatusRetryPending JobStatus = "RETRY_PENDING"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusCreated, JobStatusFetching, JobStatusFetched, JobStatusProcessing,
		JobStatusDone, JobStatusFailed, JobStatusRetryPending:
		return true
	default:
		return false
	}
}

// StalledStatuses are the transient states the watchdog fails after a timeout.
var StalledStatuses = []JobStatus{JobStatusCreated, JobStatusFetching, JobStatusProcessing}

var forwardEdges = map[JobStatus]JobStatus{
	JobStatusCreated:    JobStatusFetching,
	JobStatusFetching:   JobStatusFetched,
	JobStatusFetched:    JobStatusProcessing,
	JobStatusProcessing: JobStatusDone,
}

// CanTransition reports whether the graph has an edge from -> to.
// FAILED is reachable from every non-terminal state; nothing leaves DONE or FAILED.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() || from == JobStatusRetryPending {
		return false
	}
	if to == JobStatusFailed {
		return true
	}
	next, ok := forwardEdges[from]
	return ok && next == to
}

// CallbackHandle is the opaque destination the notifier routes completion to.
type CallbackHandle struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// Job is the persisted unit of pipeline work.
type Job struct {
	ID          string
	OwnerID     string
	Status      JobStatus
	Payload     *string
	Error       *JobError
	Callback    CallbackHandle
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Processable reports whether the processor may consume this job.
func (j *Job) Processable() bool {
	return j != nil && j.Status == JobStatusFetched && j.Payload != nil
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Payload != nil {
		payload := *j.Payload
		clone.Payload = &payload
	}
	if j.Error != nil {
		jobErr := *j.Error
		clone.Error = &jobErr
	}
	if j.CompletedAt != nil {
		completedAt := *j.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}

// TransitionFields carries the data a single edge writes.
type TransitionFields struct {
	Payload string
	Error   *JobError
}

// TransitionWrite is the full set of column values produced by an edge.
type TransitionWrite struct {
	Status      JobStatus
	Payload     *string
	Error       *JobError
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

var ErrIllegalTransition = errors.New("illegal job transition")

// PlanTransition validates an edge and computes what it writes. Payload is only
// kept on FETCHED, error context only on FAILED, completion time only on terminal
// states, so every store enforces the same invariants.
func PlanTransition(expected, next JobStatus, fields TransitionFields, now time.Time) (TransitionWrite, error) {
	if !CanTransition(expected, next) {
		return TransitionWrite{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expected, next)
	}

	write := TransitionWrite{
		Status:    next,
		UpdatedAt: now.UTC(),
	}
	switch next {
	case JobStatusFetched:
		if strings.TrimSpace(fields.Payload) == "" {
			return TransitionWrite{}, fmt.Errorf("%w: FETCHED requires a payload", ErrIllegalTransition)
		}
		payload := fields.Payload
		write.Payload = &payload
	case JobStatusFailed:
		if fields.Error == nil || fields.Error.Code == "" {
			return TransitionWrite{}, fmt.Errorf("%w: FAILED requires error context", ErrIllegalTransition)
		}
		jobErr := *fields.Error
		write.Error = &jobErr
	}
	if next.Terminal() {
		completedAt := now.UTC()
		write.CompletedAt = &completedAt
	}
	return write, nil
}

// Apply copies a planned write onto the job.
func (w TransitionWrite) Apply(job *Job) {
	job.Status = w.Status
	job.Payload = w.Payload
	job.Error = w.Error
	job.CompletedAt = w.CompletedAt
	job.UpdatedAt = w.UpdatedAt
}
