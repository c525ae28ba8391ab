package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/trace"
)

func TestQueuesHealthReportsAllQueues(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx := context.Background()
	q := env.server.queues.Get(broker.QueueSTT)
	job := broker.NewJob(broker.QueueSTT, "m-1", "transcribe", nil, trace.New(), 3)
	require.NoError(t, q.Enqueue(ctx, job, 0))

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/queues/health", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp QueuesHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "redis", resp.Mode)
	assert.Len(t, resp.Queues, len(broker.StageQueues()))
	assert.Equal(t, int64(1), resp.Queues[broker.QueueSTT].Ready)
	assert.Equal(t, int64(0), resp.Queues[broker.QueueEnhancer].Ready)
}

func TestQueuesHealthInlineMode(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.queues = nil

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/queues/health", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp QueuesHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "inline", resp.Mode)
	assert.Empty(t, resp.Queues)
}

func TestDLQPeekUnknownQueue(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/queues/q:bogus/dlq", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDLQReplayReturnsCount(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx := context.Background()
	q := env.server.queues.Get(broker.QueueSTT)
	job := broker.NewJob(broker.QueueSTT, "m-1", "transcribe", nil, trace.New(), 3)
	require.NoError(t, q.DeadLetter(ctx, job, "handler kept failing"))

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/queues/"+broker.QueueSTT+"/dlq/replay",
		strings.NewReader(`{"limit": 10}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp DLQReplayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Replayed)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestStorageHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/storage/health", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StorageHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "local", resp.Mode)
	assert.True(t, resp.Healthy)
}

func TestReadinessEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/system/readiness", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
