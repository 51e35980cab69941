package provider

import (
	"context"
	"fmt"
)

// LLMProvider defines the interface for LLM communication.
// Any completion service can be used by implementing this interface.
type LLMProvider interface {
	// Generate sends the conversation and tool catalog to the model and
	// returns its next turn.
	Generate(ctx context.Context, req GenerateRequest) (*LLMResponse, error)

	// Name returns the name of the provider (e.g., "claude").
	Name() string
}

// ProviderError is returned when the completion API rejects a request.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}
