package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetpipe/meetpipe/pkg/blob"
)

func multipartChunk(t *testing.T, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("media", "chunk.opus")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestUploadChunkMultipart(t *testing.T) {
	env := newTestEnv(t, nil)

	expectMeetingSelect(env.sqlmock, "m-1", "ingesting", nil)
	env.sqlmock.ExpectBegin()
	env.sqlmock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("m-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	env.sqlmock.ExpectQuery("SELECT COALESCE\\(MAX\\(chunk_seq\\)").
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
	env.sqlmock.ExpectExec("INSERT INTO chunks").
		WithArgs("m-1", int64(0), blob.ChunkKey("m-1", 0), int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.sqlmock.ExpectCommit()
	env.sqlmock.ExpectExec("UPDATE meetings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body, contentType := multipartChunk(t, []byte("audio"))
	req := httptest.NewRequest(http.MethodPost, "/v1/meetings/m-1/chunks", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp UploadChunkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "m-1", resp.MeetingID)
	assert.Equal(t, int64(0), resp.ChunkSeq)
	assert.NoError(t, env.sqlmock.ExpectationsWereMet())
}

func TestUploadChunkEmptyPayload(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/meetings/m-1/chunks",
		strings.NewReader(`{"media_b64": ""}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "empty_chunk", resp.Code)
}

func TestUploadChunkBadBase64(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/meetings/m-1/chunks",
		strings.NewReader(`{"media_b64": "not-base64!!"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "bad_request", resp.Code)
	assert.Contains(t, resp.Reason, "base64")
}

func TestUploadChunkFinalizedMeeting(t *testing.T) {
	env := newTestEnv(t, nil)

	finalized := time.Now()
	expectMeetingSelect(env.sqlmock, "m-1", "processing", &finalized)

	req := httptest.NewRequest(http.MethodPost, "/v1/meetings/m-1/chunks",
		strings.NewReader(`{"media_b64": "YXVkaW8="}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "meeting_finalized", resp.Code)
}

func TestInternalChunkRouteSharesIngestPath(t *testing.T) {
	env := newTestEnv(t, nil)

	expectMeetingSelect(env.sqlmock, "m-1", "ingesting", nil)
	env.sqlmock.ExpectBegin()
	env.sqlmock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("m-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	env.sqlmock.ExpectQuery("SELECT COALESCE\\(MAX\\(chunk_seq\\)").
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(7)))
	env.sqlmock.ExpectExec("INSERT INTO chunks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.sqlmock.ExpectCommit()
	env.sqlmock.ExpectExec("UPDATE meetings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/v1/internal/meetings/m-1/chunks",
		strings.NewReader(`{"media_b64": "YXVkaW8="}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp UploadChunkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(7), resp.ChunkSeq)
}
