package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/meetpipe/meetpipe/pkg/models"
)

// NextSeqTx assigns the next chunk sequence for a meeting. Must run inside
// the per-meeting advisory lock transaction so concurrent ingest paths never
// hand out the same sequence.
func (s *Store) NextSeqTx(ctx context.Context, tx *sqlx.Tx, meetingID string) (int64, error) {
	var seq int64
	err := tx.GetContext(ctx, &seq,
		`SELECT COALESCE(MAX(chunk_seq) + 1, 0) FROM chunks WHERE meeting_id = $1`, meetingID)
	if err != nil {
		return 0, fmt.Errorf("next chunk seq: %w", err)
	}
	return seq, nil
}

// InsertChunkTx persists a chunk record inside the ingest transaction.
func (s *Store) InsertChunkTx(ctx context.Context, tx *sqlx.Tx, c *models.Chunk) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (meeting_id, chunk_seq, blob_key, size_bytes, trace_id)
		VALUES ($1, $2, $3, $4, $5)`,
		c.MeetingID, c.ChunkSeq, c.BlobKey, c.SizeBytes, c.TraceID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: chunk %d", ErrAlreadyExists, c.ChunkSeq)
		}
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// GetChunk fetches one chunk record.
func (s *Store) GetChunk(ctx context.Context, meetingID string, seq int64) (*models.Chunk, error) {
	var c models.Chunk
	err := s.db.GetContext(ctx, &c, `
		SELECT meeting_id, chunk_seq, blob_key, size_bytes, trace_id, received_at, transcribed
		FROM chunks WHERE meeting_id = $1 AND chunk_seq = $2`,
		meetingID, seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: chunk %d of meeting %s", ErrNotFound, seq, meetingID)
		}
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return &c, nil
}

// ListChunks returns the meeting's chunks ordered by sequence.
func (s *Store) ListChunks(ctx context.Context, meetingID string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.db.SelectContext(ctx, &chunks, `
		SELECT meeting_id, chunk_seq, blob_key, size_bytes, trace_id, received_at, transcribed
		FROM chunks WHERE meeting_id = $1 ORDER BY chunk_seq ASC`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return chunks, nil
}

// MarkTranscribed flags a chunk as transcribed.
func (s *Store) MarkTranscribed(ctx context.Context, meetingID string, seq int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET transcribed = TRUE WHERE meeting_id = $1 AND chunk_seq = $2`,
		meetingID, seq)
	if err != nil {
		return fmt.Errorf("mark transcribed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark transcribed rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: chunk %d of meeting %s", ErrNotFound, seq, meetingID)
	}
	return nil
}

// ResetTranscription clears the transcribed flag on every chunk of a meeting
// so a raw-transcript rebuild actually re-runs STT instead of skipping each
// chunk as already done.
func (s *Store) ResetTranscription(ctx context.Context, meetingID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET transcribed = FALSE WHERE meeting_id = $1`, meetingID)
	if err != nil {
		return fmt.Errorf("reset transcription: %w", err)
	}
	return nil
}

// CountPendingTranscription returns how many chunks still await STT.
// Zero with a finalized meeting means the enhancer stage may start.
func (s *Store) CountPendingTranscription(ctx context.Context, meetingID string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM chunks WHERE meeting_id = $1 AND NOT transcribed`, meetingID)
	if err != nil {
		return 0, fmt.Errorf("count pending transcription: %w", err)
	}
	return n, nil
}
