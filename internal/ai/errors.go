package ai

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTimeout   = errors.New("provider timeout")
	ErrTransport = errors.New("provider transport error")
	// ErrMalformedResponse covers undecodable bodies and answers without text.
	ErrMalformedResponse = errors.New("provider returned a malformed response")
)

// ProviderError is a non-2xx answer from the provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// StatusCode returns the provider HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode
	}
	return 0
}

// IsRetryable reports whether another attempt may succeed: rate limiting, 5xx,
// timeouts and connection failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) {
		return true
	}
	status := StatusCode(err)
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || StatusCode(err) == http.StatusRequestTimeout || StatusCode(err) == http.StatusGatewayTimeout
}

func IsAuth(err error) bool {
	status := StatusCode(err)
	return errors.Is(err, ErrUnavailable) || status == http.StatusUnauthorized || status == http.StatusForbidden
}
