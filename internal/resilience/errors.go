package resilience

import "errors"

var (
	// ErrThrottled means no rate-limit permit became available within the acquire timeout.
	ErrThrottled = errors.New("outbound call throttled")
	// ErrUnavailable means the circuit breaker refused the call.
	ErrUnavailable = errors.New("dependency unavailable: circuit open")
)
