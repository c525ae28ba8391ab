package stt

import (
	"context"
	"fmt"
)

// MockTranscriber produces deterministic transcript text without calling any
// external service. Default in dev; also used by pipeline tests.
type MockTranscriber struct{}

// NewMockTranscriber returns the mock provider.
func NewMockTranscriber() *MockTranscriber { return &MockTranscriber{} }

// Name implements Transcriber.
func (m *MockTranscriber) Name() string { return "mock" }

// Transcribe implements Transcriber. The output is a function of the chunk
// identity and size, so repeated calls are stable.
func (m *MockTranscriber) Transcribe(ctx context.Context, meetingID string, chunkSeq int64, audio []byte, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lang := language
	if lang == "" {
		lang = "en"
	}
	return fmt.Sprintf("[%s chunk %d, %d bytes] transcribed segment", lang, chunkSeq, len(audio)), nil
}
