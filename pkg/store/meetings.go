package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meetpipe/meetpipe/pkg/models"
)

const meetingColumns = `meeting_id, tenant, mode, status, epoch, language, recipients,
	connector_provider, created_at, finalized_at, last_chunk_at`

// CreateMeeting persists a new meeting. Returns ErrAlreadyExists when the
// meeting id is taken.
func (s *Store) CreateMeeting(ctx context.Context, m *models.Meeting) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meetings (meeting_id, tenant, mode, status, epoch, language, recipients, connector_provider)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.MeetingID, m.Tenant, m.Mode, m.Status, m.Epoch, m.Language, m.Recipients, m.ConnectorProvider,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: meeting %s", ErrAlreadyExists, m.MeetingID)
		}
		return fmt.Errorf("create meeting: %w", err)
	}
	return nil
}

// GetMeeting fetches a meeting. A non-empty tenant restricts the lookup to
// that tenant, so cross-tenant ids behave as not found.
func (s *Store) GetMeeting(ctx context.Context, meetingID, tenant string) (*models.Meeting, error) {
	var m models.Meeting
	var err error
	if tenant != "" {
		err = s.db.GetContext(ctx, &m,
			`SELECT `+meetingColumns+` FROM meetings WHERE meeting_id = $1 AND tenant = $2`,
			meetingID, tenant)
	} else {
		err = s.db.GetContext(ctx, &m,
			`SELECT `+meetingColumns+` FROM meetings WHERE meeting_id = $1`,
			meetingID)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: meeting %s", ErrNotFound, meetingID)
		}
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	return &m, nil
}

// UpdateStatus moves the meeting status forward. Backward moves return
// ErrInvalidTransition unless allowRebuild is set, which permits re-entering
// processing from a terminal status.
func (s *Store) UpdateStatus(ctx context.Context, meetingID string, next models.MeetingStatus, allowRebuild bool) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.MeetingStatus
	err = tx.GetContext(ctx, &current,
		`SELECT status FROM meetings WHERE meeting_id = $1 FOR UPDATE`, meetingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: meeting %s", ErrNotFound, meetingID)
		}
		return fmt.Errorf("lock meeting status: %w", err)
	}

	if next.Rank() < current.Rank() {
		if !(allowRebuild && next == models.StatusProcessing) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE meetings SET status = $2 WHERE meeting_id = $1`, meetingID, next); err != nil {
		return fmt.Errorf("update meeting status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status tx: %w", err)
	}
	return nil
}

// TouchIngest records chunk arrival: bumps last_chunk_at and moves a freshly
// created meeting into ingesting.
func (s *Store) TouchIngest(ctx context.Context, meetingID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE meetings
		SET last_chunk_at = $2,
		    status = CASE WHEN status = 'created' THEN 'ingesting' ELSE status END
		WHERE meeting_id = $1`,
		meetingID, at)
	if err != nil {
		return fmt.Errorf("touch ingest: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch ingest rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: meeting %s", ErrNotFound, meetingID)
	}
	return nil
}

// Finalize stamps finalized_at and moves the meeting into processing. The
// call is idempotent; it reports whether this call was the first finalize.
func (s *Store) Finalize(ctx context.Context, meetingID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE meetings
		SET finalized_at = now(), status = 'processing'
		WHERE meeting_id = $1 AND finalized_at IS NULL`,
		meetingID)
	if err != nil {
		return false, fmt.Errorf("finalize meeting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	// Already finalized, or missing entirely.
	if _, err := s.GetMeeting(ctx, meetingID, ""); err != nil {
		return false, err
	}
	return false, nil
}

// BumpEpoch increments the meeting's rebuild epoch and returns the new value.
// Jobs stamped with an older epoch are discarded by stage handlers.
func (s *Store) BumpEpoch(ctx context.Context, meetingID string) (int, error) {
	var epoch int
	err := s.db.GetContext(ctx, &epoch,
		`UPDATE meetings SET epoch = epoch + 1 WHERE meeting_id = $1 RETURNING epoch`, meetingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: meeting %s", ErrNotFound, meetingID)
		}
		return 0, fmt.Errorf("bump epoch: %w", err)
	}
	return epoch, nil
}

// ListInactiveIngesting returns realtime meetings still ingesting whose last
// chunk arrived before cutoff. The finalize watcher auto-finalizes these.
func (s *Store) ListInactiveIngesting(ctx context.Context, cutoff time.Time, limit int) ([]models.Meeting, error) {
	if limit <= 0 {
		limit = 50
	}
	var meetings []models.Meeting
	err := s.db.SelectContext(ctx, &meetings, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE status = 'ingesting'
		  AND finalized_at IS NULL
		  AND last_chunk_at IS NOT NULL
		  AND last_chunk_at < $1
		ORDER BY last_chunk_at ASC
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list inactive meetings: %w", err)
	}
	return meetings, nil
}
