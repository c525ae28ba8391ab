package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTranscriber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transcribe", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req transcribeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m-1", req.MeetingID)
		assert.Equal(t, int64(2), req.ChunkSeq)

		audio, err := base64.StdEncoding.DecodeString(req.AudioB64)
		require.NoError(t, err)
		assert.Equal(t, []byte("audio"), audio)

		_ = json.NewEncoder(w).Encode(transcribeResponse{Text: "hello world"})
	}))
	defer server.Close()

	tr := NewHTTPTranscriber(server.URL, "test-token")
	text, err := tr.Transcribe(context.Background(), "m-1", 2, []byte("audio"), "en")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestHTTPTranscriberServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer server.Close()

	tr := NewHTTPTranscriber(server.URL, "")
	_, err := tr.Transcribe(context.Background(), "m-1", 0, []byte("audio"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestMockTranscriberDeterministic(t *testing.T) {
	m := NewMockTranscriber()
	a, err := m.Transcribe(context.Background(), "m-1", 1, []byte("xyz"), "en")
	require.NoError(t, err)
	b, err := m.Transcribe(context.Background(), "m-1", 1, []byte("xyz"), "en")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}
