package pipeline

import (
	"context"
	"errors"

	"github.com/iago/history-synth/internal/ai"
	"github.com/iago/history-synth/internal/domain"
	"github.com/iago/history-synth/internal/policy"
	"github.com/iago/history-synth/internal/resilience"
)

var (
	// ErrInvalidResponse marks generated text that does not hold a usable payload.
	ErrInvalidResponse = errors.New("invalid generation response")
	ErrParse           = errors.New("payload parse failed")
	ErrValidation      = errors.New("payload validation failed")
	ErrStorage         = errors.New("record commit failed")
)

// Categorize maps a stage failure onto the persisted error code.
func Categorize(err error) domain.ErrorCode {
	switch {
	case err == nil:
		return domain.ErrorCodeUnknown
	case errors.Is(err, ErrInvalidResponse), errors.Is(err, ai.ErrMalformedResponse):
		return domain.ErrorCodeInvalidResponse
	case errors.Is(err, ErrParse):
		return domain.ErrorCodeParse
	case errors.Is(err, ErrValidation):
		return domain.ErrorCodeValidation
	case errors.Is(err, ErrStorage):
		return domain.ErrorCodeStorage
	case errors.Is(err, resilience.ErrThrottled):
		return domain.ErrorCodeThrottled
	case errors.Is(err, resilience.ErrUnavailable):
		return domain.ErrorCodeUnavailable
	case ai.IsAuth(err):
		return domain.ErrorCodeAuth
	case ai.IsRateLimited(err):
		return domain.ErrorCodeRateLimit
	case ai.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorCodeTimeout
	case errors.Is(err, ai.ErrTransport):
		return domain.ErrorCodeNetwork
	case ai.StatusCode(err) >= 500:
		return domain.ErrorCodeServiceError
	default:
		return domain.ErrorCodeUnknown
	}
}

func jobErrorFor(err error) *domain.JobError {
	details := ""
	if err != nil {
		details = policy.Redact(err.Error())
	}
	return domain.NewJobError(Categorize(err), "", details)
}
