package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/iago/history-synth/internal/ai"
	"github.com/iago/history-synth/internal/domain"
	"github.com/iago/history-synth/internal/resilience"
	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	cases := []struct {
		err  error
		want domain.ErrorCode
	}{
		{fmt.Errorf("clean: %w", ErrInvalidResponse), domain.ErrorCodeInvalidResponse},
		{fmt.Errorf("decode: %w", ai.ErrMalformedResponse), domain.ErrorCodeInvalidResponse},
		{ErrParse, domain.ErrorCodeParse},
		{ErrValidation, domain.ErrorCodeValidation},
		{fmt.Errorf("%w: unique violation", ErrStorage), domain.ErrorCodeStorage},
		{resilience.ErrThrottled, domain.ErrorCodeThrottled},
		{resilience.ErrUnavailable, domain.ErrorCodeUnavailable},
		{ai.ErrUnavailable, domain.ErrorCodeAuth},
		{&ai.ProviderError{Provider: "openrouter", StatusCode: http.StatusUnauthorized}, domain.ErrorCodeAuth},
		{&ai.ProviderError{Provider: "openrouter", StatusCode: http.StatusTooManyRequests}, domain.ErrorCodeRateLimit},
		{fmt.Errorf("call: %w", ai.ErrTimeout), domain.ErrorCodeTimeout},
		{context.DeadlineExceeded, domain.ErrorCodeTimeout},
		{fmt.Errorf("dial: %w", ai.ErrTransport), domain.ErrorCodeNetwork},
		{&ai.ProviderError{Provider: "openrouter", StatusCode: http.StatusBadGateway}, domain.ErrorCodeServiceError},
		{&ai.ProviderError{Provider: "openrouter", StatusCode: http.StatusBadRequest}, domain.ErrorCodeUnknown},
		{errors.New("boom"), domain.ErrorCodeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Categorize(tc.err), tc.err.Error())
	}
}

func TestJobErrorRedactsAndCapsDetails(t *testing.T) {
	cause := fmt.Errorf("%w: key sk-or-v1-0123456789abcdef leaked %s", ai.ErrTransport, strings.Repeat("x", 20*1024))
	jobErr := jobErrorFor(cause)

	assert.Equal(t, domain.ErrorCodeNetwork, jobErr.Code)
	assert.NotEmpty(t, jobErr.Message)
	assert.NotContains(t, jobErr.Details, "0123456789abcdef")
	assert.LessOrEqual(t, len(jobErr.Details), domain.MaxErrorDetailsBytes)
}
