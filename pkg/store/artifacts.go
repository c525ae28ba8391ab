package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/meetpipe/meetpipe/pkg/models"
)

// UpsertArtifactTx writes an artifact with last-write-wins semantics. Callers
// run it inside the per-meeting advisory lock so concurrent stage retries
// serialize.
func (s *Store) UpsertArtifactTx(ctx context.Context, tx *sqlx.Tx, a *models.Artifact) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (meeting_id, kind, content, epoch, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (meeting_id, kind)
		DO UPDATE SET content = EXCLUDED.content, epoch = EXCLUDED.epoch, updated_at = now()`,
		a.MeetingID, a.Kind, a.Content, a.Epoch)
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

// GetArtifact fetches one artifact with its content.
func (s *Store) GetArtifact(ctx context.Context, meetingID string, kind models.ArtifactKind) (*models.Artifact, error) {
	var a models.Artifact
	err := s.db.GetContext(ctx, &a, `
		SELECT meeting_id, kind, content, epoch, updated_at
		FROM artifacts WHERE meeting_id = $1 AND kind = $2`,
		meetingID, kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: artifact %s of meeting %s", ErrNotFound, kind, meetingID)
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

// GetArtifactTx is GetArtifact inside an existing transaction. The STT stage
// uses it to append transcript segments under the meeting lock.
func (s *Store) GetArtifactTx(ctx context.Context, tx *sqlx.Tx, meetingID string, kind models.ArtifactKind) (*models.Artifact, error) {
	var a models.Artifact
	err := tx.GetContext(ctx, &a, `
		SELECT meeting_id, kind, content, epoch, updated_at
		FROM artifacts WHERE meeting_id = $1 AND kind = $2`,
		meetingID, kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: artifact %s of meeting %s", ErrNotFound, kind, meetingID)
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

// ListArtifacts returns artifact metadata for a meeting without content.
func (s *Store) ListArtifacts(ctx context.Context, meetingID string) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	err := s.db.SelectContext(ctx, &artifacts, `
		SELECT meeting_id, kind, ''::bytea AS content, epoch, updated_at
		FROM artifacts WHERE meeting_id = $1 ORDER BY kind`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

// ClearDownstreamTx deletes the given artifact kind and everything produced
// after it. Rebuild calls this before re-enqueueing the stage.
func (s *Store) ClearDownstreamTx(ctx context.Context, tx *sqlx.Tx, meetingID string, from models.ArtifactKind) error {
	kinds := models.DownstreamKinds(from)
	if len(kinds) == 0 {
		return fmt.Errorf("%w: unknown artifact kind %q", ErrNotFound, from)
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	query, args, err := sqlx.In(
		`DELETE FROM artifacts WHERE meeting_id = ? AND kind IN (?)`, meetingID, names)
	if err != nil {
		return fmt.Errorf("build downstream delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("clear downstream artifacts: %w", err)
	}
	return nil
}

// DeleteArtifacts removes every artifact of a meeting. Used by retention.
func (s *Store) DeleteArtifacts(ctx context.Context, meetingID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE meeting_id = $1`, meetingID); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	return nil
}
