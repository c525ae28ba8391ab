package connector

import (
	"context"
	"fmt"
	"sync"
)

// MockAdapter simulates a meeting platform in memory. Default provider in
// dev; tests script its behavior through the error fields.
type MockAdapter struct {
	mu       sync.Mutex
	sessions map[string]string // providerRef -> meetingID
	counter  int

	// Scripted failures for tests. nil means success.
	JoinErr  error
	LeaveErr error
	PullErr  error
	// PullBatches is returned (and consumed) one call at a time.
	PullBatches [][][]byte
}

// NewMockAdapter returns an empty mock platform.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{sessions: map[string]string{}}
}

// Name implements Adapter.
func (m *MockAdapter) Name() string { return "mock" }

// Join implements Adapter.
func (m *MockAdapter) Join(ctx context.Context, meetingID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.JoinErr != nil {
		return "", m.JoinErr
	}
	m.counter++
	ref := fmt.Sprintf("mock-%s-%d", meetingID, m.counter)
	m.sessions[ref] = meetingID
	return ref, nil
}

// Leave implements Adapter.
func (m *MockAdapter) Leave(ctx context.Context, providerRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LeaveErr != nil {
		return m.LeaveErr
	}
	delete(m.sessions, providerRef)
	return nil
}

// Health implements Adapter.
func (m *MockAdapter) Health(ctx context.Context) error { return ctx.Err() }

// PullChunks implements Adapter.
func (m *MockAdapter) PullChunks(ctx context.Context, providerRef string, limit int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PullErr != nil {
		return nil, m.PullErr
	}
	if _, ok := m.sessions[providerRef]; !ok {
		return nil, &ProviderError{Provider: "mock", Category: CategoryBadRequest, Message: "unknown session " + providerRef}
	}
	if len(m.PullBatches) == 0 {
		return nil, nil
	}
	batch := m.PullBatches[0]
	m.PullBatches = m.PullBatches[1:]
	if len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

// Joined reports whether any live session exists for the meeting.
func (m *MockAdapter) Joined(meetingID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sessions {
		if id == meetingID {
			return true
		}
	}
	return false
}
