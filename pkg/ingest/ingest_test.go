package ingest

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetpipe/meetpipe/pkg/blob"
	"github.com/meetpipe/meetpipe/pkg/store"
)

type capturedJob struct {
	meetingID string
	epoch     int
	chunkSeq  int64
}

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []capturedJob
	err  error
}

func (c *captureEnqueuer) EnqueueSTT(_ context.Context, meetingID string, epoch int, chunkSeq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.jobs = append(c.jobs, capturedJob{meetingID: meetingID, epoch: epoch, chunkSeq: chunkSeq})
	return nil
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *captureEnqueuer, blob.Store) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs, err := blob.NewFSStore(t.TempDir(), "local")
	require.NoError(t, err)

	enq := &captureEnqueuer{}
	svc := NewService(store.New(sqlx.NewDb(db, "sqlmock")), blobs, enq, slog.Default())
	return svc, mock, enq, blobs
}

func expectMeetingRow(mock sqlmock.Sqlmock, meetingID string, epoch int, finalized *time.Time) {
	rows := sqlmock.NewRows([]string{
		"meeting_id", "tenant", "mode", "status", "epoch", "language",
		"recipients", "connector_provider", "created_at", "finalized_at", "last_chunk_at",
	}).AddRow(meetingID, "", "realtime", "ingesting", epoch, "en", []byte(`[]`), "", time.Now(), finalized, nil)
	mock.ExpectQuery("SELECT (.+) FROM meetings WHERE meeting_id").
		WithArgs(meetingID).
		WillReturnRows(rows)
}

func TestIngestChunkPersistsAndEnqueues(t *testing.T) {
	svc, mock, enq, blobs := newTestService(t)

	expectMeetingRow(mock, "m-1", 2, nil)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("m-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(chunk_seq\\)").
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(4)))
	mock.ExpectExec("INSERT INTO chunks").
		WithArgs("m-1", int64(4), blob.ChunkKey("m-1", 4), int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE meetings").
		WithArgs("m-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	chunk, err := svc.IngestChunk(context.Background(), "m-1", "", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), chunk.ChunkSeq)
	assert.Equal(t, int64(5), chunk.SizeBytes)

	data, err := blobs.Get(context.Background(), chunk.BlobKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.Len(t, enq.jobs, 1)
	assert.Equal(t, capturedJob{meetingID: "m-1", epoch: 2, chunkSeq: 4}, enq.jobs[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestChunkRejectsFinalizedMeeting(t *testing.T) {
	svc, mock, enq, _ := newTestService(t)

	finalized := time.Now()
	expectMeetingRow(mock, "m-1", 0, &finalized)

	_, err := svc.IngestChunk(context.Background(), "m-1", "", []byte("late"))
	assert.ErrorIs(t, err, store.ErrMeetingFinalized)
	assert.Empty(t, enq.jobs)
}

func TestIngestChunkRejectsEmptyPayload(t *testing.T) {
	svc, _, enq, _ := newTestService(t)

	_, err := svc.IngestChunk(context.Background(), "m-1", "", nil)
	assert.ErrorIs(t, err, ErrEmptyChunk)
	assert.Empty(t, enq.jobs)
}

func TestIngestChunkUnknownMeeting(t *testing.T) {
	svc, mock, _, _ := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM meetings WHERE meeting_id").
		WithArgs("m-missing").
		WillReturnRows(sqlmock.NewRows([]string{"meeting_id"}))

	_, err := svc.IngestChunk(context.Background(), "m-missing", "", []byte("x"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestConnectorChunkUsesSamePath(t *testing.T) {
	svc, mock, enq, _ := newTestService(t)

	expectMeetingRow(mock, "m-1", 0, nil)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("m-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(chunk_seq\\)").
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
	mock.ExpectExec("INSERT INTO chunks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE meetings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.IngestConnectorChunk(context.Background(), "m-1", []byte("pulled")))
	require.Len(t, enq.jobs, 1)
	assert.Equal(t, int64(0), enq.jobs[0].chunkSeq)
}
