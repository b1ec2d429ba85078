package domain

import "unicode/utf8"

type ErrorCode string

const (
	ErrorCodeRateLimit       ErrorCode = "RATE_LIMIT"
	ErrorCodeThrottled       ErrorCode = "THROTTLED"
	ErrorCodeUnavailable     ErrorCode = "UNAVAILABLE"
	ErrorCodeServiceError    ErrorCode = "SERVICE_ERROR"
	ErrorCodeNetwork         ErrorCode = "NETWORK_ERROR"
	ErrorCodeTimeout         ErrorCode = "TIMEOUT"
	ErrorCodeAuth            ErrorCode = "AUTH_ERROR"
	ErrorCodeInvalidResponse ErrorCode = "INVALID_RESPONSE"
	ErrorCodeParse           ErrorCode = "PARSE_ERROR"
	ErrorCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrorCodeStorage         ErrorCode = "STORAGE_ERROR"
	ErrorCodeJobTimeout      ErrorCode = "JOB_TIMEOUT"
	ErrorCodeOverloaded      ErrorCode = "OVERLOADED"
	ErrorCodeUnknown         ErrorCode = "UNKNOWN"
)

// Transient reports whether the code describes a dependency fault rather than bad data.
func (c ErrorCode) Transient() bool {
	switch c {
	case ErrorCodeRateLimit, ErrorCodeThrottled, ErrorCodeUnavailable,
		ErrorCodeServiceError, ErrorCodeNetwork, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

const (
	MaxErrorCodeLength    = 50
	MaxErrorMessageLength = 250
	MaxErrorDetailsBytes  = 10 * 1024

	truncatedMarker = "...[truncated]"
)

var errorMessages = map[ErrorCode]string{
	ErrorCodeRateLimit:       "The generation service rejected the request because of its rate limit.",
	ErrorCodeThrottled:       "Too many generation requests right now. Please try again in a minute.",
	ErrorCodeUnavailable:     "The generation service is temporarily unavailable.",
	ErrorCodeServiceError:    "The generation service failed to answer.",
	ErrorCodeNetwork:         "Could not reach the generation service.",
	ErrorCodeTimeout:         "The generation service took too long to answer.",
	ErrorCodeAuth:            "The generation service refused our credentials.",
	ErrorCodeInvalidResponse: "The generation service returned an unusable answer.",
	ErrorCodeParse:           "The generated history could not be read.",
	ErrorCodeValidation:      "The generated history contained invalid records.",
	ErrorCodeStorage:         "The generated history could not be saved.",
	ErrorCodeJobTimeout:      "The job did not finish in time.",
	ErrorCodeOverloaded:      "The service is busy. Please try again later.",
	ErrorCodeUnknown:         "Something went wrong while generating the history.",
}

// JobError is the error context persisted with a FAILED job.
type JobError struct {
	Code    ErrorCode
	Message string
	Details string
}

// NewJobError builds a size-capped error context. An empty message falls back to the
// code's standard user-facing text.
func NewJobError(code ErrorCode, message, details string) *JobError {
	if code == "" {
		code = ErrorCodeUnknown
	}
	if message == "" {
		message = errorMessages[code]
		if message == "" {
			message = errorMessages[ErrorCodeUnknown]
		}
	}
	return &JobError{
		Code:    ErrorCode(truncateRunes(string(code), MaxErrorCodeLength, "")),
		Message: truncateRunes(message, MaxErrorMessageLength, "..."),
		Details: TruncateDetails(details),
	}
}

// TruncateDetails caps a diagnostic blob at MaxErrorDetailsBytes, marker included.
func TruncateDetails(details string) string {
	if len(details) <= MaxErrorDetailsBytes {
		return details
	}
	cut := MaxErrorDetailsBytes - len(truncatedMarker)
	for cut > 0 && !utf8.RuneStart(details[cut]) {
		cut--
	}
	return details[:cut] + truncatedMarker
}

func truncateRunes(value string, max int, suffix string) string {
	if utf8.RuneCountInString(value) <= max {
		return value
	}
	runes := []rune(value)
	keep := max - utf8.RuneCountInString(suffix)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + suffix
}
