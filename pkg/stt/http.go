package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTranscriber calls an external transcription service over HTTP.
type HTTPTranscriber struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPTranscriber returns a client for the service at baseURL.
func NewHTTPTranscriber(baseURL, token string) *HTTPTranscriber {
	return &HTTPTranscriber{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Name implements Transcriber.
func (h *HTTPTranscriber) Name() string { return "http" }

type transcribeRequest struct {
	MeetingID string `json:"meeting_id"`
	ChunkSeq  int64  `json:"chunk_seq"`
	Language  string `json:"language,omitempty"`
	AudioB64  string `json:"audio_b64"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe implements Transcriber.
func (h *HTTPTranscriber) Transcribe(ctx context.Context, meetingID string, chunkSeq int64, audio []byte, language string) (string, error) {
	body, err := json.Marshal(transcribeRequest{
		MeetingID: meetingID,
		ChunkSeq:  chunkSeq,
		Language:  language,
		AudioB64:  base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return "", fmt.Errorf("marshal transcribe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/transcribe", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("transcribe service returned %d: %s", resp.StatusCode, snippet)
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode transcribe response: %w", err)
	}
	if out.Text == "" {
		return "", fmt.Errorf("transcribe service returned empty text")
	}
	return out.Text, nil
}
