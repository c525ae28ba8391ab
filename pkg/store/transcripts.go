package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/meetpipe/meetpipe/pkg/database"
	"github.com/meetpipe/meetpipe/pkg/models"
)

// AppendTranscriptSegment merges one transcribed segment into the raw
// transcript artifact and marks the chunk transcribed, all under the
// per-meeting advisory lock so concurrent STT workers serialize.
func (s *Store) AppendTranscriptSegment(ctx context.Context, meetingID, language string, seq int64, text string, epoch int) error {
	return database.WithMeetingLock(ctx, s.db, meetingID, func(tx *sqlx.Tx) error {
		transcript := &models.Transcript{Language: language}
		existing, err := s.GetArtifactTx(ctx, tx, meetingID, models.ArtifactRawTranscript)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil {
			transcript, err = models.ParseTranscript(existing.Content)
			if err != nil {
				return fmt.Errorf("parse raw transcript: %w", err)
			}
		}

		transcript.Upsert(models.TranscriptSegment{ChunkSeq: seq, Text: text})
		content, err := transcript.Marshal()
		if err != nil {
			return fmt.Errorf("marshal raw transcript: %w", err)
		}

		if err := s.UpsertArtifactTx(ctx, tx, &models.Artifact{
			MeetingID: meetingID,
			Kind:      models.ArtifactRawTranscript,
			Content:   content,
			Epoch:     epoch,
		}); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE chunks SET transcribed = TRUE WHERE meeting_id = $1 AND chunk_seq = $2`,
			meetingID, seq); err != nil {
			return fmt.Errorf("mark transcribed: %w", err)
		}
		return nil
	})
}

// SaveArtifact writes one artifact under the per-meeting advisory lock.
func (s *Store) SaveArtifact(ctx context.Context, a *models.Artifact) error {
	return database.WithMeetingLock(ctx, s.db, a.MeetingID, func(tx *sqlx.Tx) error {
		return s.UpsertArtifactTx(ctx, tx, a)
	})
}

// ClearDownstream deletes the artifact kind and everything after it under
// the per-meeting advisory lock.
func (s *Store) ClearDownstream(ctx context.Context, meetingID string, from models.ArtifactKind) error {
	return database.WithMeetingLock(ctx, s.db, meetingID, func(tx *sqlx.Tx) error {
		return s.ClearDownstreamTx(ctx, tx, meetingID, from)
	})
}
