// Package stt defines the speech-to-text provider interface and its
// implementations. The pipeline's transcription stage calls one Transcriber
// per chunk.
package stt

import "context"

// Transcriber converts one audio chunk into transcript text.
type Transcriber interface {
	// Transcribe returns the transcript text for the chunk's audio.
	Transcribe(ctx context.Context, meetingID string, chunkSeq int64, audio []byte, language string) (string, error)
	// Name identifies the provider for logs and metrics.
	Name() string
}
