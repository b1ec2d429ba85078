package ai

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the client has no credentials configured.
var ErrUnavailable = errors.New("generation client unavailable")

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type GenerateRequest struct {
	Model           string
	Instructions    string
	Input           string
	Temperature     float64
	MaxOutputTokens int
}

type GenerateResult struct {
	Text    string
	ModelID string
	Usage   TokenUsage
}

// TextGenerator performs exactly one provider call per Generate. Retries belong to
// the caller's resilience wrapper.
type TextGenerator interface {
	Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error)
	Available() bool
}
