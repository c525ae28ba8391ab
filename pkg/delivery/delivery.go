// Package delivery sends finished reports to meeting recipients.
package delivery

import (
	"context"
	"sync"
)

// Sender delivers one report to the given recipients.
type Sender interface {
	Send(ctx context.Context, meetingID string, recipients []string, subject string, body []byte) error
	// Name identifies the provider for logs and metrics.
	Name() string
}

// MockSender records deliveries in memory. Default in dev; pipeline tests
// inspect it.
type MockSender struct {
	mu   sync.Mutex
	sent []Record
}

// Record is one captured delivery.
type Record struct {
	MeetingID  string
	Recipients []string
	Subject    string
	Body       []byte
}

// NewMockSender returns the mock provider.
func NewMockSender() *MockSender { return &MockSender{} }

// Name implements Sender.
func (m *MockSender) Name() string { return "mock" }

// Send implements Sender.
func (m *MockSender) Send(ctx context.Context, meetingID string, recipients []string, subject string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Record{
		MeetingID:  meetingID,
		Recipients: append([]string(nil), recipients...),
		Subject:    subject,
		Body:       append([]byte(nil), body...),
	})
	return nil
}

// Sent returns a copy of the captured deliveries.
func (m *MockSender) Sent() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.sent...)
}
