// Package llm defines the language-model client used by the enhancement and
// analytics stages.
package llm

import "context"

// Client sends one completion request and returns the model's text.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// Name identifies the provider for logs and metrics.
	Name() string
}
