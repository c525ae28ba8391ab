// Package connector manages meeting-platform bot sessions: joining and
// leaving meetings, pulling audio from connected sessions, and fencing a
// misbehaving provider behind the circuit breaker.
package connector

import (
	"context"
	"fmt"
)

// ErrorCategory classifies provider failures. Only transient errors are
// worth retrying; the rest fail fast.
type ErrorCategory string

const (
	// CategoryAuth is an authentication or authorization failure (401/403).
	CategoryAuth ErrorCategory = "auth"
	// CategoryBadRequest is a request the provider rejected as malformed.
	CategoryBadRequest ErrorCategory = "bad_request"
	// CategoryInvalidResponse is a provider response we could not parse.
	CategoryInvalidResponse ErrorCategory = "invalid_response"
	// CategoryTransient is a temporary failure (5xx, 429, timeouts).
	CategoryTransient ErrorCategory = "transient"
)

// ProviderError is a classified failure from a connector provider.
type ProviderError struct {
	Provider string
	Category ErrorCategory
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s provider %s error (HTTP %d): %s", e.Provider, e.Category, e.Status, e.Message)
	}
	return fmt.Sprintf("%s provider %s error: %s", e.Provider, e.Category, e.Message)
}

// Retryable reports whether retrying the call can help.
func (e *ProviderError) Retryable() bool { return e.Category == CategoryTransient }

// Adapter is one meeting-platform integration.
type Adapter interface {
	// Name identifies the provider.
	Name() string
	// Join puts a bot into the meeting and returns the provider's session
	// reference.
	Join(ctx context.Context, meetingID string) (string, error)
	// Leave removes the bot from the meeting.
	Leave(ctx context.Context, providerRef string) error
	// Health checks the provider endpoint.
	Health(ctx context.Context) error
	// PullChunks fetches up to limit buffered audio chunks for the session.
	PullChunks(ctx context.Context, providerRef string, limit int) ([][]byte, error)
}
