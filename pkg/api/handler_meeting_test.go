package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectMeetingSelect(mock sqlmock.Sqlmock, meetingID, status string, finalized *time.Time) {
	rows := sqlmock.NewRows([]string{
		"meeting_id", "tenant", "mode", "status", "epoch", "language",
		"recipients", "connector_provider", "created_at", "finalized_at", "last_chunk_at",
	}).AddRow(meetingID, "", "batch", status, 1, "en", []byte(`[]`), "", time.Now(), finalized, nil)
	mock.ExpectQuery("SELECT (.+) FROM meetings WHERE meeting_id").
		WithArgs(meetingID).
		WillReturnRows(rows)
}

func TestStartMeetingCreatesBatchMeeting(t *testing.T) {
	env := newTestEnv(t, nil)

	env.sqlmock.ExpectExec("INSERT INTO meetings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/v1/meetings/start",
		strings.NewReader(`{"meeting_id": "m-1", "mode": "batch", "language": "en"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp StartMeetingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "m-1", resp.MeetingID)
	assert.Equal(t, "created", resp.Status)
	assert.False(t, resp.ConnectorAutoJoin)
	assert.NoError(t, env.sqlmock.ExpectationsWereMet())
}

func TestStartMeetingRejectsUnknownMode(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/meetings/start",
		strings.NewReader(`{"mode": "streaming"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "bad_request", resp.Code)
}

func TestStartMeetingDuplicateID(t *testing.T) {
	env := newTestEnv(t, nil)

	env.sqlmock.ExpectExec("INSERT INTO meetings").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	req := httptest.NewRequest(http.MethodPost, "/v1/meetings/start",
		strings.NewReader(`{"meeting_id": "m-1", "mode": "batch"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "already_exists", resp.Code)
}

func TestStartMeetingRealtimeAutoJoins(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sessions.addMeeting("m-rt")

	env.sqlmock.ExpectExec("INSERT INTO meetings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/v1/meetings/start",
		strings.NewReader(`{"meeting_id": "m-rt", "mode": "realtime"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp StartMeetingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.ConnectorAutoJoin)
	assert.Equal(t, "mock", resp.ConnectorProvider)
	assert.True(t, resp.ConnectorConnected)
	assert.Empty(t, resp.ConnectorError)
}

func TestStartMeetingAutoJoinFailureStillCreates(t *testing.T) {
	env := newTestEnv(t, nil)
	// The meeting is never registered with the connector store, so the
	// join fails while the meeting itself is created.

	env.sqlmock.ExpectExec("INSERT INTO meetings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/v1/meetings/start",
		strings.NewReader(`{"meeting_id": "m-rt2", "mode": "realtime"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp StartMeetingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.ConnectorAutoJoin)
	assert.False(t, resp.ConnectorConnected)
	assert.NotEmpty(t, resp.ConnectorError)
}

func TestGetMeetingNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	env.sqlmock.ExpectQuery("SELECT (.+) FROM meetings WHERE meeting_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"meeting_id"}))

	req := httptest.NewRequest(http.MethodGet, "/v1/meetings/missing", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Code)
}

func TestGetMeetingIncludesArtifacts(t *testing.T) {
	env := newTestEnv(t, nil)

	expectMeetingSelect(env.sqlmock, "m-1", "done", nil)
	env.sqlmock.ExpectQuery("SELECT (.+) FROM chunks").
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"meeting_id", "chunk_seq", "blob_key", "size_bytes", "trace_id", "received_at", "transcribed",
		}).AddRow("m-1", int64(1), "m-1/000001", int64(10), "", time.Now(), true))

	artifactRows := func(kind, content string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"meeting_id", "kind", "content", "epoch", "updated_at"}).
			AddRow("m-1", kind, []byte(content), 1, time.Now())
	}
	env.sqlmock.ExpectQuery("SELECT (.+) FROM artifacts").
		WithArgs("m-1", "raw_transcript").
		WillReturnRows(artifactRows("raw_transcript", "raw text"))
	env.sqlmock.ExpectQuery("SELECT (.+) FROM artifacts").
		WithArgs("m-1", "enhanced_transcript").
		WillReturnRows(artifactRows("enhanced_transcript", "clean text"))
	env.sqlmock.ExpectQuery("SELECT (.+) FROM artifacts").
		WithArgs("m-1", "report").
		WillReturnRows(artifactRows("report", "summary"))

	req := httptest.NewRequest(http.MethodGet, "/v1/meetings/m-1", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp MeetingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.ChunkCount)
	assert.Equal(t, "raw text", resp.RawTranscript)
	assert.Equal(t, "clean text", resp.EnhancedTranscript)
	assert.Equal(t, "summary", resp.Report)
}
