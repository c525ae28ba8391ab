package llm

import (
	"context"
	"fmt"
)

// MockClient returns deterministic completions for dev and tests.
type MockClient struct{}

// NewMockClient returns the mock provider.
func NewMockClient() *MockClient { return &MockClient{} }

// Name implements Client.
func (m *MockClient) Name() string { return "mock" }

// Complete implements Client. The response embeds the prompt length so the
// stages downstream get stable, inspectable output.
func (m *MockClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("mock completion (%d prompt chars)", len(systemPrompt)+len(userPrompt)), nil
}
