package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetpipe/meetpipe/pkg/trace"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, QueueSTT), client
}

func TestEnqueueReserveAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := NewJob(QueueSTT, "m-1", "stt", json.RawMessage(`{"chunk_seq":0}`), trace.New(), 3)
	require.NoError(t, q.Enqueue(ctx, job, 0))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, "m-1", got.MeetingID)
	assert.Equal(t, SchemaVersion, got.SchemaVersion)
	assert.JSONEq(t, `{"chunk_seq":0}`, string(got.Payload))

	inflight, err := q.InflightDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	require.NoError(t, q.Ack(ctx, got.JobID))

	_, err = q.Reserve(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrNoJobs)

	inflight, err = q.InflightDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestReserveEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Reserve(context.Background(), time.Minute)
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestDelayedEnqueueBecomesVisible(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := NewJob(QueueSTT, "m-1", "stt", nil, trace.New(), 3)
	require.NoError(t, q.Enqueue(ctx, job, 30*time.Millisecond))

	_, err := q.Reserve(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrNoJobs)

	pending, err := q.PendingDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	time.Sleep(50 * time.Millisecond)

	got, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := NewJob(QueueSTT, "m-1", "stt", nil, trace.New(), 3)
	require.NoError(t, q.Enqueue(ctx, job, 0))

	_, err := q.Reserve(ctx, 20*time.Millisecond)
	require.NoError(t, err)

	// Lease still live.
	_, err = q.Reserve(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrNoJobs)

	time.Sleep(40 * time.Millisecond)

	got, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := NewJob(QueueSTT, "m-1", "stt", nil, trace.New(), 2)
	require.NoError(t, q.Enqueue(ctx, job, 0))

	got, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)

	deadLettered, err := q.Nack(ctx, got, "provider timeout", time.Millisecond)
	require.NoError(t, err)
	assert.False(t, deadLettered)
	assert.Equal(t, 1, got.Attempt)

	time.Sleep(20 * time.Millisecond)

	got, err = q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempt)

	deadLettered, err = q.Nack(ctx, got, "provider timeout", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, deadLettered)

	dlqDepth, err := q.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqDepth)

	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "provider timeout", dead[0].FailureReason)
	assert.NotNil(t, dead[0].FailedAt)

	_, err = q.Reserve(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestDLQReplayResetsAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := NewJob(QueueSTT, "m-1", "stt", nil, trace.New(), 1)
	traceID := job.Trace.TraceID
	require.NoError(t, q.Enqueue(ctx, job, 0))

	got, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	deadLettered, err := q.Nack(ctx, got, "boom", time.Millisecond)
	require.NoError(t, err)
	require.True(t, deadLettered)

	replayed, err := q.DLQReplay(ctx, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	dlqDepth, err := q.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, dlqDepth)

	got, err = q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, traceID, got.Trace.TraceID)
	assert.Zero(t, got.Attempt)
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Empty(t, got.FailureReason)
	assert.Nil(t, got.FailedAt)
}

func TestDLQReplayEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	replayed, err := q.DLQReplay(context.Background(), 10, 3)
	require.NoError(t, err)
	assert.Zero(t, replayed)
}

func TestRetryDelay(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second

	assert.Equal(t, 2*time.Second, RetryDelay(0, base, max))
	assert.Equal(t, 2*time.Second, RetryDelay(1, base, max))
	assert.Equal(t, 4*time.Second, RetryDelay(2, base, max))
	assert.Equal(t, 8*time.Second, RetryDelay(3, base, max))
	assert.Equal(t, 30*time.Second, RetryDelay(10, base, max))
}
