package domain

import "time"

// MetricRecord is one generated daily measurement.
type MetricRecord struct {
	JobID   string
	OwnerID string
	Date    time.Time
	Name    string
	Value   float64
	Unit    string
}

// EventRecord is one generated notable occurrence (workout, injury, race...).
type EventRecord struct {
	JobID           string
	OwnerID         string
	Date            time.Time
	Kind            string
	Title           string
	DurationMinutes int
	Notes           string
}

// RecordBatch is everything the processor commits for a single job.
type RecordBatch struct {
	Metrics []MetricRecord
	Events  []EventRecord
}

// CompletionSignal is emitted once a job reaches a terminal state.
type CompletionSignal struct {
	JobID       string         `json:"job_id"`
	OwnerID     string         `json:"owner_id"`
	Status      JobStatus      `json:"status"`
	ErrorCode   ErrorCode      `json:"error_code,omitempty"`
	Callback    CallbackHandle `json:"callback"`
	CompletedAt time.Time      `json:"completed_at"`
}

// NewCompletionSignal returns false when the job is not terminal yet.
func NewCompletionSignal(job *Job) (CompletionSignal, bool) {
	if job == nil || !job.Status.Terminal() {
		return CompletionSignal{}, false
	}
	signal := CompletionSignal{
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		Status:   job.Status,
		Callback: job.Callback,
	}
	if job.Error != nil {
		signal.ErrorCode = job.Error.Code
	}
	if job.CompletedAt != nil {
		signal.CompletedAt = *job.CompletedAt
	} else {
		signal.CompletedAt = job.UpdatedAt
	}
	return signal, true
}
