// Package ingest is the single normalization path every chunk takes into the
// pipeline, whether it arrived over HTTP, a WebSocket frame, or a connector
// live-pull: assign a sequence, persist the payload, record the chunk, and
// enqueue the transcription job.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meetpipe/meetpipe/pkg/blob"
	"github.com/meetpipe/meetpipe/pkg/database"
	"github.com/meetpipe/meetpipe/pkg/models"
	"github.com/meetpipe/meetpipe/pkg/store"
	"github.com/meetpipe/meetpipe/pkg/trace"
)

// ErrEmptyChunk rejects zero-length media payloads.
var ErrEmptyChunk = errors.New("empty chunk payload")

// STTEnqueuer schedules the transcription job for a persisted chunk. The
// pipeline implements it for both queued and inline modes.
type STTEnqueuer interface {
	EnqueueSTT(ctx context.Context, meetingID string, epoch int, chunkSeq int64) error
}

// Service normalizes chunks into pipeline jobs.
type Service struct {
	store    *store.Store
	blobs    blob.Store
	enqueuer STTEnqueuer
	logger   *slog.Logger
}

// NewService wires the ingest path.
func NewService(st *store.Store, blobs blob.Store, enqueuer STTEnqueuer, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		blobs:    blobs,
		enqueuer: enqueuer,
		logger:   logger.With("component", "ingest"),
	}
}

// IngestChunk persists one media chunk and schedules its transcription.
// Sequence assignment, blob write, and the chunk record commit under the
// per-meeting advisory lock so concurrent uploads never collide on a
// sequence. Chunks for finalized meetings are rejected.
func (s *Service) IngestChunk(ctx context.Context, meetingID, tenant string, data []byte) (*models.Chunk, error) {
	if len(data) == 0 {
		return nil, ErrEmptyChunk
	}

	meeting, err := s.store.GetMeeting(ctx, meetingID, tenant)
	if err != nil {
		return nil, err
	}
	if meeting.FinalizedAt != nil {
		return nil, fmt.Errorf("%w: meeting %s", store.ErrMeetingFinalized, meetingID)
	}

	tc := trace.From(ctx)
	chunk := &models.Chunk{
		MeetingID: meetingID,
		SizeBytes: int64(len(data)),
		TraceID:   tc.TraceID,
	}

	err = database.WithMeetingLock(ctx, s.store.DB(), meetingID, func(tx *sqlx.Tx) error {
		seq, err := s.store.NextSeqTx(ctx, tx, meetingID)
		if err != nil {
			return err
		}
		chunk.ChunkSeq = seq
		chunk.BlobKey = blob.ChunkKey(meetingID, seq)

		// The blob write sits inside the lock on purpose: a committed chunk
		// record must always have its payload on disk.
		if err := s.blobs.Put(ctx, chunk.BlobKey, data); err != nil {
			return fmt.Errorf("persist chunk payload: %w", err)
		}
		return s.store.InsertChunkTx(ctx, tx, chunk)
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.TouchIngest(ctx, meetingID, time.Now()); err != nil {
		s.logger.Error("Failed to touch meeting ingest time",
			"meeting_id", meetingID, "error", err)
	}

	if err := s.enqueuer.EnqueueSTT(ctx, meetingID, meeting.Epoch, chunk.ChunkSeq); err != nil {
		return nil, fmt.Errorf("enqueue transcription for chunk %d: %w", chunk.ChunkSeq, err)
	}

	s.logger.Info("Chunk ingested",
		"meeting_id", meetingID, "chunk_seq", chunk.ChunkSeq, "size_bytes", chunk.SizeBytes)
	return chunk, nil
}

// IngestConnectorChunk feeds a live-pulled chunk through the same path the
// client-push routes use. Connector pulls carry no tenant scoping.
func (s *Service) IngestConnectorChunk(ctx context.Context, meetingID string, data []byte) error {
	_, err := s.IngestChunk(ctx, meetingID, "", data)
	return err
}
